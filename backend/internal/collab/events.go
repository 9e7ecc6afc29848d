package collab

import "time"

// ReportUpdatedEvent is published to Kafka after every successful
// versioned write, keyed by report id so per-report ordering holds.
// Other server processes and downstream consumers (audit, search
// indexing) react to it; in-process peers are notified over the
// websocket instead.
type ReportUpdatedEvent struct {
	DocID      string    `json:"docId"`
	UpdatedBy  uint64    `json:"updatedBy"`
	Username   string    `json:"username"`
	NewVersion uint64    `json:"newVersion"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
