package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/taskreplay/internal/delivery"
	"github.com/austindbirch/taskreplay/internal/envelope"
	"github.com/austindbirch/taskreplay/internal/logging"
	"github.com/austindbirch/taskreplay/internal/policy"
	"github.com/austindbirch/taskreplay/internal/queue"
	"github.com/austindbirch/taskreplay/internal/recorder"
)

type fixture struct {
	q   *queue.Memory
	p   *policy.Policy
	rec *recorder.Recorder
}

func newFixture(cfg policy.Config) *fixture {
	return &fixture{q: queue.NewMemory(), p: policy.New(cfg), rec: recorder.New()}
}

func (f *fixture) dispatcher(target Deliverer, opts Options) *Dispatcher {
	opts.Logger = logging.Discard()
	return New(f.q, f.p, f.rec, nil, target, opts)
}

func pushTask(key string, body string) delivery.Task {
	return delivery.Task{
		Kind:       delivery.KindPush,
		Topic:      "some-topic",
		TargetURL:  "/message",
		HTTPMethod: "POST",
		Body:       []byte(body),
		Attributes: map[string]string{"key": key},
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

func TestRun_EmptyQueue(t *testing.T) {
	f := newFixture(policy.Config{})
	calls := 0
	d := f.dispatcher(DelivererFunc(func(context.Context, *envelope.Request) (*Reply, error) {
		calls++
		return &Reply{StatusCode: 200}, nil
	}), Options{})

	require.NoError(t, d.Run(context.Background()))
	assert.Zero(t, calls)
	assert.Empty(t, f.rec.Messages())
}

func TestRun_FIFOWithoutRepublish(t *testing.T) {
	f := newFixture(policy.Config{})
	keys := []string{"a.one", "a.two", "a.three", "a.four"}
	for _, k := range keys {
		f.q.Enqueue(pushTask(k, `{}`))
	}

	d := f.dispatcher(HandlerDeliverer{Handler: okHandler()}, Options{})
	require.NoError(t, d.Run(context.Background()))

	msgs := f.rec.Messages()
	require.Len(t, msgs, len(keys))
	for i, k := range keys {
		assert.Equal(t, k, msgs[i].Key())
	}
	resps := f.rec.Responses()
	require.Len(t, resps, len(keys))
	assert.Equal(t, map[string]any{"ok": true}, resps[0].Body)
	assert.Equal(t, "/message", resps[0].URL)
}

func TestRun_WavesAreBreadthFirst(t *testing.T) {
	f := newFixture(policy.Config{})
	f.q.Enqueue(pushTask("root.a", `{}`))
	f.q.Enqueue(pushTask("root.b", `{}`))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var push envelope.Push
		_ = json.NewDecoder(r.Body).Decode(&push)
		if strings.HasPrefix(push.Key(), "root.") {
			f.q.Enqueue(pushTask("child."+strings.TrimPrefix(push.Key(), "root."), `{}`))
		}
		w.WriteHeader(http.StatusOK)
	})

	d := f.dispatcher(HandlerDeliverer{Handler: handler}, Options{})
	require.NoError(t, d.Run(context.Background()))

	var got []string
	for _, m := range f.rec.Messages() {
		got = append(got, m.Key())
	}
	assert.Equal(t, []string{"root.a", "root.b", "child.a", "child.b"}, got)
}

func TestRun_HandlerErrorAborts(t *testing.T) {
	f := newFixture(policy.Config{})
	f.q.Enqueue(pushTask("a.one", `{}`))
	f.q.Enqueue(pushTask("a.two", `{}`))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errors":[{"detail":"You broke it!"}]}`))
	})

	d := f.dispatcher(HandlerDeliverer{Handler: handler}, Options{})
	err := d.Run(context.Background())
	require.Error(t, err)

	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, 500, herr.StatusCode)
	assert.Equal(t, "/message", herr.URL)
	assert.Contains(t, err.Error(),
		`{"statusCode":500,"body":{"errors":[{"detail":"You broke it!"}]},"text":"{\"errors\":[{\"detail\":\"You broke it!\"}]}"}`)

	assert.Len(t, f.rec.Messages(), 1, "message is recorded before delivery")
	assert.Empty(t, f.rec.Responses(), "failed response is not recorded")
}

func TestRun_TransportErrorIsWrapped(t *testing.T) {
	f := newFixture(policy.Config{})
	f.q.Enqueue(pushTask("a.one", `{}`))
	boom := errors.New("connection refused")

	d := f.dispatcher(DelivererFunc(func(context.Context, *envelope.Request) (*Reply, error) {
		return nil, boom
	}), Options{})

	err := d.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	var herr *HandlerError
	assert.False(t, errors.As(err, &herr))
}

func TestRun_DecodeErrorUnwrapped(t *testing.T) {
	f := newFixture(policy.Config{})
	f.q.Enqueue(pushTask("a.one", `{"broken":`))

	d := f.dispatcher(HandlerDeliverer{Handler: okHandler()}, Options{})
	err := d.Run(context.Background())

	var syntaxErr *json.SyntaxError
	require.ErrorAs(t, err, &syntaxErr)
	assert.Equal(t, err, error(syntaxErr))
}

func TestRun_SkipsAreRecorded(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(policy.Config{SkipSequences: []string{"sequence.other"}})
	f.q.Enqueue(pushTask("sequence.other.perform.x", `{}`))
	f.q.Enqueue(pushTask("sequence.mine.perform.x", `{}`))

	delivered := 0
	d := f.dispatcher(DelivererFunc(func(context.Context, *envelope.Request) (*Reply, error) {
		delivered++
		return &Reply{StatusCode: 200}, nil
	}), Options{Now: func() time.Time { return now }})

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, 1, delivered)

	resps := f.rec.Responses()
	require.Len(t, resps, 2)
	assert.True(t, resps[0].Skipped)
	assert.Equal(t, 200, resps[0].StatusCode)
	body, ok := resps[0].Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, delivery.SkippedType, body["type"])
	assert.Equal(t, policy.ReasonSkipSequence, body["reason"])
	assert.Equal(t, "sequence.other.perform.x", body["routingKey"])
	assert.Equal(t, "2024-05-01T12:00:00Z", body["at"])
	assert.False(t, resps[1].Skipped)
}

func TestRun_SelfTriggeringCycleTerminates(t *testing.T) {
	const key = "sequence.trigger-itself.perform.trigger"
	f := newFixture(policy.Config{MaxRunsForKey: map[string]int{key: 3}})
	f.q.Enqueue(pushTask(key, `{}`))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.q.Enqueue(pushTask(key, `{}`))
		w.WriteHeader(http.StatusOK)
	})

	d := f.dispatcher(HandlerDeliverer{Handler: handler}, Options{})
	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, 3, f.p.Count(key))
	assert.Len(t, f.rec.Messages(), 4, "three deliveries plus the skipped fourth occurrence")
}

func TestRun_DeadLetterTopicNotDelivered(t *testing.T) {
	f := newFixture(policy.Config{})
	dlq := pushTask("sequence.x.perform.y", `{}`)
	dlq.Topic = "dead-letters"
	f.q.Enqueue(dlq)

	delivered := 0
	d := f.dispatcher(DelivererFunc(func(context.Context, *envelope.Request) (*Reply, error) {
		delivered++
		return &Reply{StatusCode: 200}, nil
	}), Options{DeadLetterTopic: "dead-letters"})

	require.NoError(t, d.Run(context.Background()))
	assert.Zero(t, delivered)
	require.Len(t, f.rec.Messages(), 1)
	assert.Equal(t, "dead-letters", f.rec.Messages()[0].Topic)
	require.Len(t, f.rec.Responses(), 1)
	assert.True(t, f.rec.Responses()[0].Skipped)
	assert.Zero(t, f.p.Count("sequence.x.perform.y"))
}

func TestRun_ContextCancelled(t *testing.T) {
	f := newFixture(policy.Config{})
	f.q.Enqueue(pushTask("a", `{}`))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := f.dispatcher(HandlerDeliverer{Handler: okHandler()}, Options{})
	assert.ErrorIs(t, d.Run(ctx), context.Canceled)
}

func TestHTTPDeliverer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resume-message", r.URL.Path)
		assert.Equal(t, "resume", r.Header.Get(envelope.HeaderQueueName))
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	f := newFixture(policy.Config{})
	f.q.Enqueue(delivery.Task{
		Kind:       delivery.KindHTTP,
		QueueName:  "projects/p/locations/l/queues/resume",
		TaskName:   "test-task",
		HTTPMethod: "POST",
		TargetURL:  "/resume-message",
	})

	d := f.dispatcher(NewHTTPDeliverer(srv.URL+"/", 5*time.Second), Options{})
	require.NoError(t, d.Run(context.Background()))

	resps := f.rec.Responses()
	require.Len(t, resps, 1)
	assert.Equal(t, "OK", resps[0].Body)
	assert.Equal(t, "OK", resps[0].Text)
}

func TestHandlerError_Error(t *testing.T) {
	e := &HandlerError{StatusCode: 404, Body: nil, Text: "", URL: "/nope"}
	assert.Equal(t, `handler responded 404 to /nope: {"statusCode":404,"body":null,"text":""}`, e.Error())
}

func TestHandlerDeliverer_NilHandler(t *testing.T) {
	f := newFixture(policy.Config{})
	f.q.Enqueue(pushTask("a.b", `{}`))

	d := f.dispatcher(HandlerDeliverer{}, Options{})
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNilHandler)
	assert.Empty(t, f.rec.Responses())
}
