package wire

import (
	"encoding/json"
	"time"
)

// ProgressType discriminates outbound progress updates on the wire.
const ProgressType = "ota_progress"

// Progress is one stage/status/percent triple streamed to the server while a
// rollout runs. Updates are append-only; senders must keep Percent
// non-decreasing within a single rollout.
type Progress struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Percent   int    `json:"progress"`
	Timestamp string `json:"timestamp"`
}

// NewProgress stamps a progress update with the current time.
func NewProgress(status, message string, percent int) Progress {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return Progress{
		Type:      ProgressType,
		Status:    status,
		Message:   message,
		Percent:   percent,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Encode renders the update for the channel.
func (p Progress) Encode() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		// All fields are marshalable types; this cannot happen.
		return nil
	}
	return b
}
