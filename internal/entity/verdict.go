package entity

// Verdict is the classifier's judgment of a single fetch attempt.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictChallenge
	VerdictBlocked
	VerdictRateLimited
	VerdictTransientError
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "OK"
	case VerdictChallenge:
		return "CHALLENGE"
	case VerdictBlocked:
		return "BLOCKED"
	case VerdictRateLimited:
		return "RATE_LIMITED"
	case VerdictTransientError:
		return "TRANSIENT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsDetection reports whether the target recognized automated behaviour.
func (v Verdict) IsDetection() bool {
	return v == VerdictChallenge || v == VerdictBlocked
}

// IsRetryable reports whether the same job may be attempted again.
func (v Verdict) IsRetryable() bool {
	return v == VerdictRateLimited || v == VerdictTransientError
}

// MarshalText keeps verdicts readable in JSON payloads and logs.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}
