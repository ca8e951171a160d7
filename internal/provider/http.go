package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
)

const maxErrorBody = 64 << 10

type endpoint struct {
	cfg        config.ProviderConfig
	client     *resty.Client
	normalizer *Normalizer
}

// HTTPGateway talks to providers over HTTP, one resty client per job kind.
type HTTPGateway struct {
	endpoints map[domain.JobKind]*endpoint
}

// NewHTTPGateway creates a gateway for every provider in cfg.Providers.
// Parameters:
//   - cfg: application configuration.
// Returns:
//   - *HTTPGateway: gateway ready to serve Create and Status calls.
func NewHTTPGateway(cfg *config.Config) *HTTPGateway {
	g := &HTTPGateway{endpoints: make(map[domain.JobKind]*endpoint, len(cfg.Providers))}
	for kind := range cfg.Providers {
		p := cfg.Provider(kind)
		g.endpoints[domain.JobKind(kind)] = &endpoint{
			cfg:        p,
			client:     newClient(p.BaseURL, p.APIKey),
			normalizer: NewNormalizer(p.StatusAliases),
		}
	}
	return g
}

// newClient has no client-wide timeout: streaming bodies outlive any single
// request deadline, so each call bounds itself through its context.
func newClient(baseURL, apiKey string) *resty.Client {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json, text/event-stream")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return client
}

func (g *HTTPGateway) endpoint(kind domain.JobKind) (*endpoint, error) {
	ep, ok := g.endpoints[kind]
	if !ok {
		return nil, fmt.Errorf("no provider configured for kind %q", kind)
	}
	return ep, nil
}

// Create submits payload merged with the owner id to the kind's creation endpoint.
func (g *HTTPGateway) Create(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*CreateResponse, error) {
	ep, err := g.endpoint(kind)
	if err != nil {
		return nil, err
	}
	body, err := createBody(ownerID, payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	reqCtx, cancel := context.WithCancel(ctx)
	deadline := time.AfterFunc(ep.cfg.RequestTimeout, cancel)

	resp, err := ep.client.R().
		SetContext(reqCtx).
		SetDoNotParseResponse(true).
		SetBody(body).
		Post(ep.cfg.CreatePath)
	if err != nil {
		fired := !deadline.Stop()
		cancel()
		if fired && ctx.Err() == nil {
			return nil, &domain.TransientNetworkError{Op: "create", Err: context.DeadlineExceeded}
		}
		return nil, transportError("create", err)
	}
	raw := resp.RawBody()
	if !deadline.Stop() {
		raw.Close()
		cancel()
		return nil, &domain.TransientNetworkError{Op: "create", Err: context.DeadlineExceeded}
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldStatus:     resp.StatusCode(),
		logger.FieldKind:       kind,
	}).Debug(ctx, "Provider create responded")

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		data, _ := io.ReadAll(io.LimitReader(raw, maxErrorBody))
		raw.Close()
		cancel()
		return nil, ep.failure(resp.StatusCode(), data)
	}

	if ep.cfg.Stream || isEventStream(resp.Header().Get("Content-Type")) {
		buf := newTransportBuffer(cancel)
		go buf.Pump(raw)
		return &CreateResponse{Mode: CreateStream, Stream: buf}, nil
	}

	deadline = time.AfterFunc(ep.cfg.RequestTimeout, cancel)
	data, err := io.ReadAll(raw)
	deadline.Stop()
	raw.Close()
	cancel()
	if err != nil {
		return nil, transportError("create", err)
	}
	return ep.interpretCreate(resp.StatusCode(), data)
}

// interpretCreate decides between a synchronous result and an asynchronous task.
func (ep *endpoint) interpretCreate(code int, body []byte) (*CreateResponse, error) {
	n := ep.normalizer
	hasStatus := n.HasStatus(body)
	status := n.Status(body)

	if hasStatus && status == domain.ProviderStatusFailed {
		return nil, ep.failure(code, body)
	}
	result := n.Result(body)
	if result != nil && (!hasStatus || status == domain.ProviderStatusSucceeded) {
		return &CreateResponse{Mode: CreateSync, Result: result}, nil
	}
	if taskID := n.TaskID(body); taskID != "" {
		return &CreateResponse{Mode: CreateAsync, TaskID: taskID}, nil
	}
	if result != nil {
		return &CreateResponse{Mode: CreateSync, Result: result}, nil
	}

	msg := n.Message(body)
	if msg == "" {
		msg = "creation response carried neither a result nor a task id"
	}
	return nil, &domain.ProviderFailure{StatusCode: code, Message: msg}
}

// Status polls the kind's status endpoint for taskID.
func (g *HTTPGateway) Status(ctx context.Context, ownerID string, kind domain.JobKind, taskID string) (*domain.StatusReport, error) {
	ep, err := g.endpoint(kind)
	if err != nil {
		return nil, err
	}

	data, code, err := postJSON(ctx, ep.client, ep.cfg.RequestTimeout, ep.cfg.StatusPath, map[string]string{
		"ownerId": ownerID,
		"jobId":   taskID,
	})
	if err != nil {
		return nil, transportError("status", err)
	}
	if code < 200 || code >= 300 {
		return nil, ep.failure(code, data)
	}
	return ep.normalizer.Report(data), nil
}

func (ep *endpoint) failure(code int, body []byte) error {
	return failureFrom(ep.normalizer, code, body)
}

func failureFrom(n *Normalizer, code int, body []byte) *domain.ProviderFailure {
	msg := n.Message(body)
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &domain.ProviderFailure{StatusCode: code, Message: msg, Result: n.Result(body)}
}

// postJSON sends body and returns the raw response with its status code.
func postJSON(ctx context.Context, client *resty.Client, timeout time.Duration, path string, body interface{}) ([]byte, int, error) {
	return doJSON(ctx, client.R().SetBody(body), http.MethodPost, path, timeout)
}

func doJSON(ctx context.Context, req *resty.Request, method, path string, timeout time.Duration) ([]byte, int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body(), resp.StatusCode(), nil
}

// transportError wraps err as transient unless the caller gave up.
func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &domain.TransientNetworkError{Op: op, Err: err}
}

func createBody(ownerID string, payload json.RawMessage) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, &domain.ValidationError{Field: "payload", Message: "must be a JSON object"}
		}
	}
	owner, _ := json.Marshal(ownerID)
	fields["ownerId"] = owner
	return fields, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}
