package entity

import "time"

// DelayTag explains why a delay was chosen.
type DelayTag int

const (
	DelayNormal DelayTag = iota
	DelayThinkTime
	DelayBackoff
)

func (t DelayTag) String() string {
	switch t {
	case DelayThinkTime:
		return "THINK_TIME"
	case DelayBackoff:
		return "BACKOFF"
	default:
		return "NORMAL"
	}
}

// DelayDecision is derived per job and never persisted.
type DelayDecision struct {
	Duration time.Duration
	Tag      DelayTag
}
