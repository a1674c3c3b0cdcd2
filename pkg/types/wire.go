package types

import "time"

// Sync wire contract. These shapes are fixed: any peer implementing
// POST /push and POST /pull with these bodies can act as the remote
// replica. Timestamps travel as ISO-8601 UTC, integers are 64-bit.

// PushRequest is the body of POST {edgeUrl}/push.
type PushRequest struct {
	ClientID   string            `json:"clientId"`
	LastSyncAt *time.Time        `json:"lastSyncAt"`
	Changes    []*ChangeLogEntry `json:"changes"`
}

// PushRejection describes a single change the peer refused, optionally
// carrying the peer's conflicting entry for resolution.
type PushRejection struct {
	ID       string          `json:"id"`
	Reason   string          `json:"reason"`
	Conflict *ChangeLogEntry `json:"conflict,omitempty"`
}

// PushResponse partitions pushed changes into accepted and rejected.
type PushResponse struct {
	Success         bool            `json:"success"`
	Accepted        []string        `json:"accepted"`
	Rejected        []PushRejection `json:"rejected"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
}

// PullRequest is the body of POST {edgeUrl}/pull. The page cursor rides
// the ?cursor= query parameter, not the body.
type PullRequest struct {
	ClientID     string       `json:"clientId"`
	LastSyncAt   *time.Time   `json:"lastSyncAt"`
	EntityTypes  []EntityType `json:"entityTypes,omitempty"`
	SinceVersion *int64       `json:"sinceVersion,omitempty"`
	Limit        int          `json:"limit"`
}

// PullResponse carries one page of remote changes.
type PullResponse struct {
	Changes         []*ChangeLogEntry `json:"changes"`
	HasMore         bool              `json:"hasMore"`
	ServerTimestamp time.Time         `json:"serverTimestamp"`
	LatestVersion   int64             `json:"latestVersion"`
	NextCursor      string            `json:"nextCursor,omitempty"`
}
