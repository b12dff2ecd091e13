package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowrelay/FlowRelay/internal/backend"
	"github.com/flowrelay/FlowRelay/internal/flow"
	"github.com/flowrelay/FlowRelay/internal/models"
)

// ContextKeyAuthToken is the context path where the dispatcher seeds the
// session's bearer token for backend executors.
const ContextKeyAuthToken = "session.token"

// BackendCallExecutor performs one synchronous call against a fixed business
// backend path. A family of these is registered under domain names (order,
// address, auth, pricing, wallet, search). Config:
//
//	payload: map of request fields; string values are interpolated
//
// Outputs: data (decoded response), error_code (on business failure).
// Events: success, failure. Transport errors and timeouts surface as executor
// failure for the engine's retry path.
type BackendCallExecutor struct {
	client  *backend.Client
	name    string
	path    string
	timeout time.Duration
}

// NewBackendCallExecutor creates a backend executor for one named operation.
func NewBackendCallExecutor(client *backend.Client, name, path string) *BackendCallExecutor {
	return &BackendCallExecutor{client: client, name: name, path: path, timeout: backend.DefaultTimeout}
}

// RegisterBackendExecutors registers the standard business-backend executor
// family on the registry.
func RegisterBackendExecutors(reg *Registry, client *backend.Client) {
	for name, path := range map[string]string{
		"order":   "/v1/orders",
		"address": "/v1/addresses",
		"auth":    "/v1/auth",
		"pricing": "/v1/pricing",
		"wallet":  "/v1/wallet",
		"search":  "/v1/search",
	} {
		reg.Register(NewBackendCallExecutor(client, name, path))
	}
}

// Contract implements Executor.
func (e *BackendCallExecutor) Contract() models.ExecutorContract {
	return models.ExecutorContract{
		Name:       e.name,
		ConfigKeys: []string{"payload"},
		OutputKeys: []string{"data", "error_code"},
		Events:     []string{models.EventSuccess, models.EventFailure},
	}
}

// Timeout implements Executor.
func (e *BackendCallExecutor) Timeout() time.Duration { return e.timeout }

// Execute implements Executor.
func (e *BackendCallExecutor) Execute(ctx context.Context, rc *flow.RunContext, config map[string]any) (*Result, error) {
	payload := buildPayload(rc, config["payload"])
	token := rc.GetString(ContextKeyAuthToken)

	env, err := e.client.Call(ctx, e.path, token, payload)
	if err != nil {
		return nil, fmt.Errorf("%s backend call failed: %w", e.name, err)
	}

	if !env.Success {
		slog.Info("BackendCallExecutor business failure", "executor", e.name, "error_code", env.ErrorCode)
		return &Result{
			Outputs: map[string]any{"error_code": env.ErrorCode},
			Event:   models.EventFailure,
		}, nil
	}

	var data any
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%s backend response decode failed: %w", e.name, err)
		}
	}
	return &Result{
		Outputs: map[string]any{"data": data},
		Event:   models.EventSuccess,
	}, nil
}

// buildPayload interpolates string values of the configured payload map
// against the run context.
func buildPayload(rc *flow.RunContext, v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = rc.Interpolate(s)
			continue
		}
		out[k] = val
	}
	return out
}
