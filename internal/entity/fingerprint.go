package entity

import "fmt"

// Fingerprint describes the browser identity presented by a lane.
// It never changes during the lane's lifetime.
type Fingerprint struct {
	UserAgent      string `json:"user_agent"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	Locale         string `json:"locale"`
	Timezone       string `json:"timezone,omitempty"`
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%dx%d %s", f.ViewportWidth, f.ViewportHeight, f.Locale)
}

// Identity is everything a fetch collaborator needs to open a network session for a lane.
type Identity struct {
	LaneID      string
	Fingerprint Fingerprint
	ProxyURL    string // empty means a direct connection
}
