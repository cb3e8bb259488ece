package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pal-router/internal/models"
)

// ErrNoClient indicates no transport is configured for a provider.
var ErrNoClient = errors.New("no client configured for provider")

// Error codes carried by provider-level failures.
const (
	CodeRateLimited  = "rate_limited"
	CodeAuth         = "auth_failed"
	CodeTimeout      = "timeout"
	CodeBadResponse  = "bad_response"
	CodeNetwork      = "network"
	CodeUpstream     = "upstream_error"
	CodeNoClient     = "no_client"
	CodeInvalidInput = "invalid_input"
)

// Error is a typed provider-level failure (rate limit, auth, timeout,
// malformed response). It is surfaced inside InvocationResult rather than
// raised, so sibling consensus participants keep running.
type Error struct {
	Provider string
	Code     string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: %s (status %d): %s", e.Provider, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Code, e.Message)
}

// Client issues exactly one outbound call per Invoke. Retries are a routing
// policy concern and must not happen inside implementations.
type Client interface {
	Name() string
	Invoke(ctx context.Context, modelID, prompt string) (string, models.Usage, error)
}

// Dispatcher maps descriptors to clients and folds transport failures into
// structured results.
type Dispatcher struct {
	mu       sync.RWMutex
	clients  map[string]Client
	fallback Client
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		clients: make(map[string]Client),
	}
}

// Register wires a client for a provider name.
func (d *Dispatcher) Register(name string, client Client) error {
	if client == nil {
		return errors.New("client must not be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.clients[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	d.clients[name] = client
	return nil
}

// SetFallback wires the client used for providers without a dedicated entry,
// enabling passthrough invocation of unregistered provider/model identifiers.
func (d *Dispatcher) SetFallback(client Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = client
}

func (d *Dispatcher) clientFor(providerName string) (Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if client, ok := d.clients[providerName]; ok {
		return client, true
	}
	if d.fallback != nil {
		return d.fallback, true
	}
	return nil, false
}

// Invoke calls the model named by the request's target descriptor. Failures
// never propagate as Go errors: the returned result carries a typed error so
// the caller can keep collecting sibling results.
func (d *Dispatcher) Invoke(ctx context.Context, req models.InvocationRequest) *models.InvocationResult {
	result := &models.InvocationResult{Model: req.Target}

	client, ok := d.clientFor(req.Target.Provider)
	if !ok {
		result.Error = &models.InvocationError{
			Kind:    models.KindProviderError,
			Code:    CodeNoClient,
			Message: fmt.Sprintf("%v: %s", ErrNoClient, req.Target.Provider),
		}
		return result
	}

	start := time.Now()
	text, usage, err := client.Invoke(ctx, req.Target.ID, req.Prompt)
	result.Latency = time.Since(start)
	result.Usage = usage

	if err != nil {
		result.Error = classify(req.Target.Provider, err)
		slog.Warn("provider invocation failed",
			"provider", req.Target.Provider,
			"model", req.Target.ID,
			"code", result.Error.Code,
			"latency_ms", result.Latency.Milliseconds(),
		)
		return result
	}

	result.Text = text
	return result
}

func classify(providerName string, err error) *models.InvocationError {
	var provErr *Error
	if errors.As(err, &provErr) {
		return &models.InvocationError{
			Kind:    models.KindProviderError,
			Code:    provErr.Code,
			Message: provErr.Message,
		}
	}

	code := CodeNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	} else if errors.Is(err, context.Canceled) {
		code = CodeTimeout
	}

	return &models.InvocationError{
		Kind:    models.KindProviderError,
		Code:    code,
		Message: fmt.Sprintf("provider %s: %v", providerName, err),
	}
}
