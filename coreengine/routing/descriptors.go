package routing

import (
	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/resilience"
)

// DescriptorFromConfig builds a descriptor from a configured backend,
// applying the global breaker settings unless the backend overrides them.
func DescriptorFromConfig(cfg *config.WorkflowConfig, b config.BackendConfig) BackendDescriptor {
	bs := cfg.BreakerFor(b)
	return BackendDescriptor{
		Name: b.Name,
		Breaker: resilience.BreakerConfig{
			Threshold: bs.FailureThreshold,
			Cooldown:  bs.Cooldown(),
		},
		RateLimit: b.RateLimit,
		Burst:     b.Burst,
	}
}
