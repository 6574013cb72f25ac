package service

import (
	"time"

	"github.com/rs/zerolog"

	"openbloom-market/internal/provider"
)

// reportHealth logs the provider table at debug level and the overall
// status whenever it changes.
func (s *Service) reportHealth(bucket time.Time) {
	if s.health == nil {
		return
	}
	report := s.health()

	for _, p := range report.Providers {
		s.logger.Debug().Time("bucket", bucket).
			Str("provider", p.Provider).
			Str("status", string(p.Status)).
			Str("breaker", string(p.Breaker)).
			Int64("successes", p.SuccessCount).
			Int64("failures", p.FailureCount).
			Int("consecutive_failures", p.ConsecutiveFailures).
			Int64("rate_limited", p.RateLimited).
			Int64("skipped", p.Skipped).
			Str("last_error", p.LastError).
			Msg("provider health")
	}

	s.healthMu.Lock()
	changed := report.Status != s.lastStatus
	s.lastStatus = report.Status
	s.healthMu.Unlock()
	if !changed {
		return
	}

	level := zerolog.InfoLevel
	if report.Status != "ok" {
		level = zerolog.WarnLevel
	}
	var degraded []string
	for _, p := range report.Providers {
		if p.Status == provider.StatusDegraded || p.Status == provider.StatusCooldown {
			degraded = append(degraded, p.Provider)
		}
	}
	s.logger.WithLevel(level).Time("bucket", bucket).
		Str("status", report.Status).
		Strs("degraded", degraded).
		Msg("provider health changed")
}
