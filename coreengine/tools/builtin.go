package tools

import (
	"context"
	"time"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/typeutil"
)

// RegisterBuiltins adds the tools every deployment has.
//
//	echo  returns its parameters as data.
//	wait  sleeps for duration_ms, honoring cancellation.
func RegisterBuiltins(r *Registry) error {
	builtins := []*Definition{
		{
			Name:        "echo",
			Description: "Return the parameters unchanged",
			Category:    "builtin",
			RiskLevel:   "low",
			Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
				return map[string]any{"status": "success", "data": params}, nil
			},
		},
		{
			Name:        "wait",
			Description: "Sleep for duration_ms milliseconds",
			Category:    "builtin",
			RiskLevel:   "low",
			Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
				ms := typeutil.Int(params, "duration_ms", 0)
				select {
				case <-time.After(time.Duration(ms) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return map[string]any{"status": "success", "data": map[string]any{"waited_ms": ms}}, nil
			},
		},
	}
	for _, def := range builtins {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
