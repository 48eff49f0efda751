package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/denizumutdereli/vertexrelay/pkg/core"
	"github.com/denizumutdereli/vertexrelay/pkg/relay"
)

var errInternal = errors.New("internal error")

// clientErrors are safe to return as-is; anything else is logged and
// reported as errInternal.
var clientErrors = []error{
	core.ErrUnauthorized,
	core.ErrMissingField,
	core.ErrUnsupportedKey,
	core.ErrMalformedCredentialBlob,
	core.ErrInvalidType,
}

// mcpBackend exposes the runtime to MCP tools.
type mcpBackend struct {
	rt *relay.Runtime
}

func newMCPBackend(rt *relay.Runtime) *mcpBackend {
	return &mcpBackend{rt: rt}
}

func (b *mcpBackend) Dashboard(ctx context.Context) (map[string]any, error) {
	return toMap(b.rt.Dash.Build(ctx, time.Now()))
}

func (b *mcpBackend) UpdateConfig(ctx context.Context, password, key string, value any) (map[string]any, error) {
	res, err := b.rt.Control.Update(ctx, password, key, value)
	if err != nil {
		return nil, b.public(err)
	}
	out := map[string]any{
		"status":  "success",
		"message": res.Message,
		"applied": res.Applied,
	}
	if res.Task != nil {
		out["reinit_task"] = res.Task.ID
	}
	return out, nil
}

func (b *mcpBackend) ResetStats(_ context.Context, password string) (map[string]any, error) {
	if err := b.rt.Control.ResetStats(password); err != nil {
		return nil, b.public(err)
	}
	return map[string]any{"status": "success", "message": "API call statistics reset"}, nil
}

func (b *mcpBackend) Keys() []string {
	keys := b.rt.Control.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

// toMap round-trips v through JSON so tools return the HTTP field names.
func toMap(v any) (map[string]any, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(blob, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *mcpBackend) public(err error) error {
	for _, known := range clientErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	b.rt.Log.Error("mcp control operation failed", zap.Error(err))
	return errInternal
}
