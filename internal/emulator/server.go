// Package emulator serves a replay engine over HTTP: Cloud Tasks and Pub/Sub
// style producer endpoints plus a control API to drain, inspect and reset it.
package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/austindbirch/taskreplay/internal/archive"
	"github.com/austindbirch/taskreplay/internal/auth"
	"github.com/austindbirch/taskreplay/internal/delivery"
	"github.com/austindbirch/taskreplay/internal/dispatcher"
	"github.com/austindbirch/taskreplay/internal/logging"
	"github.com/austindbirch/taskreplay/internal/policy"
	"github.com/austindbirch/taskreplay/internal/replay"
	"github.com/austindbirch/taskreplay/internal/tracing"
)

const publishSuffix = ":publish"

// Archiver stores finished runs. *archive.Store satisfies it.
type Archiver interface {
	Save(ctx context.Context, run archive.Run) (uuid.UUID, error)
}

type Option func(*Server)

// WithVerifier requires a valid bearer token on producer endpoints.
func WithVerifier(v *auth.Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithArchive saves every processed run.
func WithArchive(a Archiver) Option {
	return func(s *Server) { s.archive = a }
}

// WithLogger sets the server and engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithEngineOptions sets the baseline engine options restored after every reset.
func WithEngineOptions(opts ...replay.Option) Option {
	return func(s *Server) { s.engineOpts = append(s.engineOpts, opts...) }
}

// Server owns one engine shared by every producer.
type Server struct {
	engine     *replay.Engine
	target     dispatcher.Deliverer
	engineOpts []replay.Option
	baseline   policy.Config
	verifier   *auth.Verifier
	archive    Archiver
	logger     *logging.Logger
	mux        *http.ServeMux

	// runMu serializes process, reset and run-sequence. Producers never take it.
	runMu sync.Mutex
}

// New creates a server delivering to target with publishing already enabled.
func New(target dispatcher.Deliverer, baseline policy.Config, opts ...Option) (*Server, error) {
	s := &Server{target: target, baseline: baseline, logger: logging.Default()}
	for _, opt := range opts {
		opt(s)
	}

	engineOpts := append([]replay.Option{
		replay.WithTaskNamer(uuid.NewString),
		replay.WithMessageIDs(uuid.NewString),
		replay.WithLogger(s.logger),
	}, s.engineOpts...)
	s.engine = replay.New(engineOpts...)
	if err := s.enable(); err != nil {
		return nil, err
	}

	s.mux = http.NewServeMux()
	s.mux.Handle("POST /v2/projects/{project}/locations/{location}/queues/{queue}/tasks", s.producer(s.handleCreateTask))
	s.mux.Handle("POST /v1/projects/{project}/topics/{topic}", s.producer(s.handlePublish))
	s.mux.HandleFunc("POST /replay/process", s.handleProcess)
	s.mux.HandleFunc("POST /replay/reset", s.handleReset)
	s.mux.HandleFunc("POST /replay/run-sequence", s.handleRunSequence)
	s.mux.HandleFunc("GET /replay/messages", s.handleMessages)
	s.mux.HandleFunc("GET /replay/responses", s.handleResponses)
	s.mux.HandleFunc("GET /replay/status", s.handleStatus)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Engine exposes the shared engine for health reporting and the NSQ bridge.
func (s *Server) Engine() *replay.Engine {
	return s.engine
}

func (s *Server) enable() error {
	return s.engine.EnablePublish(s.target, replay.WithPolicy(s.baseline))
}

func (s *Server) producer(h http.HandlerFunc) http.Handler {
	if s.verifier == nil {
		return h
	}
	return s.verifier.HTTPMiddleware(h)
}

type createTaskBody struct {
	Task struct {
		// HTTPRequest.Body is base64 on the wire.
		HTTPRequest replay.HTTPRequest `json:"httpRequest"`
	} `json:"task"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(incoming(r), "emulator.create_task")
	defer span.End()

	var body createTaskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode task: %w", err))
		return
	}
	parent := fmt.Sprintf("projects/%s/locations/%s/queues/%s",
		r.PathValue("project"), r.PathValue("location"), r.PathValue("queue"))

	ack, err := s.engine.CloudTasks().CreateTask(ctx, replay.CreateTaskRequest{
		Parent:      parent,
		HTTPRequest: body.Task.HTTPRequest,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, producerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": parent + "/tasks/" + ack.Name})
}

type publishBody struct {
	Messages []replay.Message `json:"messages"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	topic, ok := strings.CutSuffix(r.PathValue("topic"), publishSuffix)
	if !ok || topic == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown topic action %q", r.PathValue("topic")))
		return
	}
	ctx, span := tracing.StartSpan(incoming(r), "emulator.publish")
	defer span.End()

	var body publishBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode messages: %w", err))
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("at least one message is required"))
		return
	}

	ids := make([]string, 0, len(body.Messages))
	for _, m := range body.Messages {
		id, err := s.engine.PubSub().Publish(ctx, topic, m)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			writeError(w, producerStatus(err), err)
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"messageIds": ids})
}

// ProcessResult summarizes a drain of the shared engine.
type ProcessResult struct {
	RunID     string         `json:"runId,omitempty"`
	Messages  int            `json:"messages"`
	Responses int            `json:"responses"`
	KeyCounts map[string]int `json:"keyCounts"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx := r.Context()
	started := time.Now().UTC()
	err := s.engine.ProcessMessages(ctx)

	run := archive.Run{
		Source:    "process",
		Messages:  s.engine.RecordedMessages(),
		Responses: s.engine.RecordedMessageHandlerResponses(),
		KeyCounts: s.engine.RoutingKeyCounts(),
		StartedAt: started,
	}
	if err != nil {
		run.Error = err.Error()
	}
	runID := s.save(ctx, run)

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("process messages failed")
		writeError(w, runStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ProcessResult{
		RunID:     runID,
		Messages:  len(run.Messages),
		Responses: len(run.Responses),
		KeyCounts: run.KeyCounts,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.engine.Reset()
	if err := s.enable(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.WithContext(r.Context()).Info("engine reset")
	w.WriteHeader(http.StatusNoContent)
}

// RunSequenceRequest runs one trigger against the shared engine. Payload, when
// set, replaces Trigger.Body so JSON bodies need no base64 encoding.
type RunSequenceRequest struct {
	Trigger replay.Trigger  `json:"trigger" yaml:"trigger"`
	Payload json.RawMessage `json:"payload,omitempty" yaml:"-"`
	Policy  policy.Config   `json:"policy" yaml:"policy"`
}

// RunSequenceResponse carries the result even when the run failed.
type RunSequenceResponse struct {
	RunID  string         `json:"runId,omitempty"`
	Error  string         `json:"error,omitempty"`
	Result *replay.Result `json:"result,omitempty"`
}

func (s *Server) handleRunSequence(w http.ResponseWriter, r *http.Request) {
	var req RunSequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode run request: %w", err))
		return
	}
	if len(req.Payload) > 0 {
		req.Trigger.Body = req.Payload
	}
	if err := req.Policy.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.Trigger.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx := r.Context()
	started := time.Now().UTC()
	res, err := s.runSequence(ctx, req)

	run := archive.Run{
		Source:     "run-sequence",
		TriggerKey: req.Trigger.Attributes[delivery.RoutingKeyAttribute],
		StartedAt:  started,
	}
	if res != nil {
		run.Messages, run.Responses, run.KeyCounts = res.Messages, res.Responses, res.RoutingKeyCounts
	}
	if err != nil {
		run.Error = err.Error()
	}

	out := RunSequenceResponse{RunID: s.save(ctx, run), Result: res}
	if err != nil {
		s.logger.WithContext(ctx).WithRoutingKey(run.TriggerKey).WithError(err).Warn("run sequence failed")
		out.Error = err.Error()
		writeJSON(w, runStatus(err), out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) runSequence(ctx context.Context, req RunSequenceRequest) (*replay.Result, error) {
	// Restore the baseline whatever the run did to the engine.
	defer func() {
		if err := s.enable(); err != nil {
			s.logger.WithContext(ctx).WithError(err).Error("re-enable after run failed")
		}
	}()

	cfg := s.baseline
	if len(req.Policy.SkipSequences) > 0 || len(req.Policy.MaxRunsForKey) > 0 {
		cfg = req.Policy
	}
	return s.engine.RunSequence(ctx, s.target, req.Trigger, replay.WithPolicy(cfg))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.RecordedMessages())
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.RecordedMessageHandlerResponses())
}

// Status is the snapshot served by /replay/status.
type Status struct {
	PublishEnabled bool           `json:"publishEnabled"`
	QueueDepth     int            `json:"queueDepth"`
	Messages       int            `json:"messages"`
	Responses      int            `json:"responses"`
	KeyCounts      map[string]int `json:"keyCounts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		PublishEnabled: s.engine.Enabled(),
		QueueDepth:     s.engine.QueueDepth(),
		Messages:       len(s.engine.RecordedMessages()),
		Responses:      len(s.engine.RecordedMessageHandlerResponses()),
		KeyCounts:      s.engine.RoutingKeyCounts(),
	})
}

func (s *Server) save(ctx context.Context, run archive.Run) string {
	if s.archive == nil {
		return ""
	}
	run.FinishedAt = time.Now().UTC()
	id, err := s.archive.Save(ctx, run)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("archive run failed")
		return ""
	}
	return id.String()
}

// incoming continues the producer's trace.
func incoming(r *http.Request) context.Context {
	carrier := make(map[string]string, len(r.Header))
	for k := range r.Header {
		carrier[strings.ToLower(k)] = r.Header.Get(k)
	}
	return tracing.ExtractTrace(r.Context(), carrier)
}

func producerStatus(err error) int {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest
	}
	if errors.Is(err, replay.ErrNotEnabled) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func runStatus(err error) int {
	var herr *dispatcher.HandlerError
	switch {
	case errors.As(err, &herr):
		return http.StatusBadGateway
	case errors.Is(err, replay.ErrNotEnabled), errors.Is(err, replay.ErrAlreadyProcessing):
		return http.StatusConflict
	case errors.Is(err, replay.ErrSequenceNotProcessed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the JSON error shape of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ Archiver = (*archive.Store)(nil)
