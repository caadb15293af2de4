package registry

import (
	"context"
	"maps"
	"time"
)

// Builtin command names available in every registry.
const (
	CommandEcho         = "echo"
	CommandPing         = "ping"
	CommandListCommands = "list_commands"
)

// RegisterBuiltins installs the host-independent commands.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		spec Spec
		h    func(context.Context, map[string]any) (map[string]any, error)
	}{
		{
			spec: Spec{Name: CommandEcho, Description: "Return the parameters unchanged"},
			h: func(_ context.Context, params map[string]any) (map[string]any, error) {
				return maps.Clone(params), nil
			},
		},
		{
			spec: Spec{Name: CommandPing, Description: "Report main-thread liveness"},
			h: func(context.Context, map[string]any) (map[string]any, error) {
				return map[string]any{"pong": true, "at": time.Now().UTC().Format(time.RFC3339Nano)}, nil
			},
		},
		{
			spec: Spec{Name: CommandListCommands, Description: "List registered command names"},
			h: func(context.Context, map[string]any) (map[string]any, error) {
				specs := r.List()
				names := make([]any, 0, len(specs))
				for _, spec := range specs {
					names = append(names, spec.Name)
				}
				return map[string]any{"commands": names}, nil
			},
		},
	}
	for _, b := range builtins {
		if err := r.Register(b.spec, b.h); err != nil {
			return err
		}
	}
	return nil
}
