package model

import "time"

// HealthStatus is recomputed on every status query.
type HealthStatus struct {
	SiteName   string        `json:"siteName"`
	URL        string        `json:"url"`
	Online     bool          `json:"online"`
	StatusCode int           `json:"statusCode,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checkedAt"`
}

// CountOffline returns how many statuses are offline.
func CountOffline(statuses []HealthStatus) int {
	n := 0
	for _, s := range statuses {
		if !s.Online {
			n++
		}
	}
	return n
}
