package webhook

import "time"

// Event types that can trigger webhooks
const (
	EventFlagsUpdated = "flags.updated"
	EventFlagsAdded   = "flags.added"
)

// Event describes one committed flag change.
type Event struct {
	Type          string    `json:"event"`
	Timestamp     time.Time `json:"timestamp"`
	Project       string    `json:"project"`
	Environment   string    `json:"environment,omitempty"`
	Backend       string    `json:"backend"`
	Flags         []string  `json:"flags"`
	Actor         string    `json:"actor"`
	CommitMessage string    `json:"commitMessage,omitempty"`
	Metadata      Metadata  `json:"metadata"`
}

// Metadata contains additional context about the event
type Metadata struct {
	RequestID string `json:"requestId,omitempty"`
}

// Endpoint is a webhook receiver. Empty filters match everything.
type Endpoint struct {
	URL          string
	Events       []string
	Environments []string
}
