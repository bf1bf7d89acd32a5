package embedding

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/ruiji/internal/models"
)

const probeText = "health check"

// Probe embeds a short text on every provider and refreshes its health.
// Probes do not count towards usage.
func (c *Chain) Probe(ctx context.Context) []models.ProviderHealth {
	for _, m := range c.members {
		if ctx.Err() != nil {
			break
		}
		_, _, latency, err := c.attempt(ctx, m, []string{probeText}, m.timeout)
		m.record(latency, err)
		if err != nil {
			c.logger.Warn("embedding provider probe failed",
				zap.String("provider", m.provider.Name()), zap.Error(err))
		}
	}
	return c.Health()
}

// RunHealthProbes probes all providers every interval until ctx is cancelled.
func (c *Chain) RunHealthProbes(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Probe(ctx)
		}
	}
}
