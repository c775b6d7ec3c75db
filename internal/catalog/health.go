package catalog

import (
	"context"
	"time"
)

// HealthCheck is the state of one dependency.
type HealthCheck struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// QueueHealth is implemented by dispatchers that can report on their
// backing queue.
type QueueHealth interface {
	Ping(ctx context.Context) error
}

// Health pings the metadata store, the bucket and the detection queue and
// mirrors the results into the dependency gauge.
func (s *Service) Health(ctx context.Context) []HealthCheck {
	checks := []HealthCheck{
		s.check(ctx, "store", s.repo.Ping),
		s.check(ctx, "objectstore", s.objects.Ping),
	}
	switch queue := s.dispatcher.(type) {
	case nil:
		checks = append(checks, HealthCheck{Component: "queue", Status: "disabled"})
	case QueueHealth:
		checks = append(checks, s.check(ctx, "queue", queue.Ping))
	default:
		checks = append(checks, HealthCheck{Component: "queue", Status: "ok"})
	}
	for _, check := range checks {
		s.metrics.SetDependencyHealth(check.Component, check.Status)
	}
	return checks
}

func (s *Service) check(ctx context.Context, component string, ping func(context.Context) error) HealthCheck {
	start := time.Now()
	err := ping(ctx)
	check := HealthCheck{Component: component, Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = "error"
		check.Error = err.Error()
	}
	return check
}

// Healthy reports whether every check passed or is disabled.
func Healthy(checks []HealthCheck) bool {
	for _, check := range checks {
		if check.Status == "error" {
			return false
		}
	}
	return true
}
