// Package tooldispatch implements orchestrator.ToolDispatcher by
// checking a requested tool against internal/catalog.ToolCatalog's
// governance policy, then executing it in a throwaway container via
// internal/modeladapter.ContainerAdapter — sandboxing tool calls the
// same way the model completion itself can be sandboxed, rather than
// running arbitrary tool code in-process.
package tooldispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ocx/gateway/internal/catalog"
	"github.com/ocx/gateway/internal/errs"
	"github.com/ocx/gateway/internal/modeladapter"
)

// ContainerImageResolver maps a tool name to the sandbox image and
// entrypoint command used to execute it.
type ContainerImageResolver interface {
	Resolve(toolName string) (image string, cmd []string, ok bool)
}

// StaticImageResolver is a fixed tool-name -> (image, cmd) map, the
// default for deployments that don't need per-tenant sandbox images.
type StaticImageResolver map[string]struct {
	Image string
	Cmd   []string
}

func (m StaticImageResolver) Resolve(toolName string) (string, []string, bool) {
	entry, ok := m[toolName]
	if !ok {
		return "", nil, false
	}
	return entry.Image, entry.Cmd, true
}

// Dispatcher implements orchestrator.ToolDispatcher.
type Dispatcher struct {
	catalog   *catalog.ToolCatalog
	resolver  ContainerImageResolver
	trustScore float64
	tier       string
	log        *slog.Logger
}

func New(cat *catalog.ToolCatalog, resolver ContainerImageResolver, trustScore float64, tier string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{catalog: cat, resolver: resolver, trustScore: trustScore, tier: tier, log: logger.With("component", "tooldispatch")}
}

// Dispatch checks policy then runs the tool in an isolated container,
// returning its raw JSON result.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	if _, ok := d.catalog.Get(toolName); !ok {
		return nil, errs.Invalid("unknown_tool", fmt.Sprintf("tool %q is not registered", toolName))
	}
	if allowed, reason := d.catalog.CheckPolicy(toolName, d.trustScore, d.tier); !allowed {
		return nil, errs.Precondition("tool_policy_denied", reason)
	}

	image, cmd, ok := d.resolver.Resolve(toolName)
	if !ok {
		return nil, errs.Invalid("no_sandbox_image", fmt.Sprintf("no sandbox image configured for tool %q", toolName))
	}

	adapter := modeladapter.NewContainerAdapter(image, cmd, d.log)
	raw, err := adapter.RunOnce(ctx, args)
	if err != nil {
		return nil, errs.TransientErr("tool_execution_failed", fmt.Sprintf("tool %q failed", toolName), err)
	}

	results, err := modeladapter.ParseBatch(raw)
	if err != nil || len(results) == 0 {
		return nil, errs.TransientErr("tool_output_unparseable", fmt.Sprintf("tool %q produced no parseable output", toolName), err)
	}
	return results[0], nil
}
