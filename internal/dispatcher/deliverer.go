package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/austindbirch/taskreplay/internal/envelope"
)

// Reply is the raw answer of the handler under test.
type Reply struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Deliverer performs one simulated delivery.
type Deliverer interface {
	Deliver(ctx context.Context, req *envelope.Request) (*Reply, error)
}

// ErrNilHandler is returned when a HandlerDeliverer has no handler to call.
var ErrNilHandler = errors.New("handler deliverer: nil handler")

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, req *envelope.Request) (*Reply, error)

// Deliver calls f(ctx, req).
func (f DelivererFunc) Deliver(ctx context.Context, req *envelope.Request) (*Reply, error) {
	return f(ctx, req)
}

// HandlerDeliverer serves requests with an in-process handler.
type HandlerDeliverer struct {
	Handler http.Handler
}

// Deliver runs the handler against a recorder and returns what it wrote.
func (d HandlerDeliverer) Deliver(ctx context.Context, req *envelope.Request) (*Reply, error) {
	if d.Handler == nil {
		return nil, ErrNilHandler
	}
	httpReq, err := req.HTTPRequest(ctx, "")
	if err != nil {
		return nil, err
	}
	rec := httptest.NewRecorder()
	d.Handler.ServeHTTP(rec, httpReq)

	res := rec.Result()
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read handler response: %w", err)
	}
	return &Reply{StatusCode: res.StatusCode, Header: res.Header, Body: body}, nil
}

// HTTPDeliverer sends requests to a handler listening at BaseURL.
type HTTPDeliverer struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPDeliverer returns a deliverer with its own client and timeout.
func NewHTTPDeliverer(baseURL string, timeout time.Duration) *HTTPDeliverer {
	return &HTTPDeliverer{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

// Deliver sends req to BaseURL joined with the request path.
func (d *HTTPDeliverer) Deliver(ctx context.Context, req *envelope.Request) (*Reply, error) {
	httpReq, err := req.HTTPRequest(ctx, d.BaseURL)
	if err != nil {
		return nil, err
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", d.BaseURL, err)
	}
	return &Reply{StatusCode: res.StatusCode, Header: res.Header, Body: body}, nil
}
