package entity

import (
	"fmt"
	"time"
)

// HealthState of a proxy endpoint.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthDegraded
)

func (s HealthState) String() string {
	if s == HealthDegraded {
		return "DEGRADED"
	}
	return "HEALTHY"
}

func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ProxySnapshot is a point-in-time copy of a proxy endpoint's health counters.
type ProxySnapshot struct {
	ID                  string      `json:"id"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Successes           int         `json:"successes"`
	Failures            int         `json:"failures"`
	DegradedAt          *time.Time  `json:"degraded_at,omitempty"`
}

func (s *HealthState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "HEALTHY":
		*s = HealthHealthy
	case "DEGRADED":
		*s = HealthDegraded
	default:
		return fmt.Errorf("unknown health state %q", text)
	}
	return nil
}
