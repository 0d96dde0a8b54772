package domain

import "time"

// CleanupRecord marks that a cleanup request was published for a resource.
// At most one exists per resource.
type CleanupRecord struct {
	ResourceID  string    `json:"resource_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// CleanupCandidate is a resource eligible for a cleanup notification, joined
// with the pool policy needed to build the request.
type CleanupCandidate struct {
	Resource Resource
	Policy   CleanupPolicy
}

// CleanupRequest is the message handed to the external cleanup system. The
// receiver must be idempotent on ResourceID.
type CleanupRequest struct {
	ResourceID      string            `json:"resource_id"`
	PoolID          string            `json:"pool_id"`
	CloudName       string            `json:"cloud_name,omitempty"`
	CloudResourceID string            `json:"cloud_resource_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	Labels          map[string]string `json:"labels,omitempty"`
}
