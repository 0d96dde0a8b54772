package domain

import "time"

// ResourceState is the lifecycle state of a resource.
//
//	CREATING -> READY -> HANDED_OUT -> DELETING -> DELETED
//
// plus CREATING -> DELETING when provisioning fails and READY -> DELETING when
// the reconciler drains surplus supply.
type ResourceState string

const (
	ResourceStateCreating  ResourceState = "CREATING"
	ResourceStateReady     ResourceState = "READY"
	ResourceStateHandedOut ResourceState = "HANDED_OUT"
	ResourceStateDeleting  ResourceState = "DELETING"
	ResourceStateDeleted   ResourceState = "DELETED"
)

// AllResourceStates lists every state in lifecycle order.
var AllResourceStates = []ResourceState{
	ResourceStateCreating,
	ResourceStateReady,
	ResourceStateHandedOut,
	ResourceStateDeleting,
	ResourceStateDeleted,
}

var resourceTransitions = map[ResourceState][]ResourceState{
	ResourceStateCreating:  {ResourceStateReady, ResourceStateDeleting},
	ResourceStateReady:     {ResourceStateHandedOut, ResourceStateDeleting},
	ResourceStateHandedOut: {ResourceStateDeleting},
	ResourceStateDeleting:  {ResourceStateDeleted},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to ResourceState) bool {
	for _, next := range resourceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s ResourceState) Terminal() bool {
	return s == ResourceStateDeleted
}

// Resource is one provisioned cloud object tracked through its lifecycle.
type Resource struct {
	ID     string        `json:"id"`
	PoolID string        `json:"pool_id"`
	State  ResourceState `json:"state"`

	// CloudName is the generated provider name. Set once, before the
	// provisioning call, so a leaked resource can still be found.
	CloudName string `json:"cloud_name,omitempty"`
	// CloudResourceID is the opaque provider handle. Set once at READY.
	CloudResourceID string `json:"cloud_resource_id,omitempty"`
	// RequestHandoutID is the caller's idempotency key. Set once at HANDED_OUT.
	RequestHandoutID string `json:"request_handout_id,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StateUpdatedAt time.Time  `json:"state_updated_at"`
	HandedOutAt    *time.Time `json:"handed_out_at,omitempty"`
}
