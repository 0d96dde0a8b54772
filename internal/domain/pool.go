// Package domain provides the domain model of the resource buffer service:
// pools, resources, flights and cleanup records.
//
// Storage and transport layers convert to and from these types; nothing in
// this package talks to a database or a cloud API.
//
// Import Path: rbs.io/buffer/internal/domain
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// PoolStatus is the lifecycle status of a pool. ACTIVE -> DEACTIVATED only.
type PoolStatus string

const (
	PoolStatusActive      PoolStatus = "ACTIVE"
	PoolStatusDeactivated PoolStatus = "DEACTIVATED"
)

// ResourceType tags the kind of resource a pool holds.
type ResourceType string

const (
	ResourceTypeCloudProject ResourceType = "CLOUD_PROJECT"
)

// NamingScheme selects how candidate resource names are synthesized.
type NamingScheme string

const (
	// NamingRandomChar is prefix + "-" + random lowercase alphanumerics.
	NamingRandomChar NamingScheme = "RANDOM_CHAR"
	// NamingTwoWordsNumber is prefix-adjective-noun-NNN.
	NamingTwoWordsNumber NamingScheme = "TWO_WORDS_NUMBER"
)

// Pool is a named, sized collection of resources of one type.
type Pool struct {
	ID             string         `json:"id"`
	Size           int            `json:"size"`
	Status         PoolStatus     `json:"status"`
	ResourceType   ResourceType   `json:"resource_type"`
	ResourceConfig ResourceConfig `json:"resource_config"`
	Cleanup        CleanupPolicy  `json:"cleanup"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Active reports whether the pool accepts handouts and is refilled.
func (p *Pool) Active() bool {
	return p.Status == PoolStatusActive
}

// CleanupPolicy controls what the Cleanup Coordinator does with a pool's
// resources after they leave the pool.
type CleanupPolicy struct {
	// AutoDelete also hands failed, never handed out resources to the janitor.
	AutoDelete bool `json:"auto_delete,omitempty" yaml:"auto_delete"`
	// TTL overrides the default time-to-live used to compute expiration.
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl"`
}

// ResourceConfig is the immutable provisioning configuration of a pool.
//
// It is a tagged union: Kind selects which of the variant pointers is set.
// Only CLOUD_PROJECT exists today.
type ResourceConfig struct {
	ConfigName   string              `json:"config_name" yaml:"config_name" validate:"required"`
	Kind         ResourceType        `json:"kind" yaml:"kind" validate:"required,oneof=CLOUD_PROJECT"`
	CloudProject *CloudProjectConfig `json:"cloud_project,omitempty" yaml:"cloud_project"`
}

// CloudProjectConfig holds the parameters for provisioning a cloud project.
type CloudProjectConfig struct {
	ParentFolderID string            `json:"parent_folder_id" yaml:"parent_folder_id" validate:"required"`
	BillingAccount string            `json:"billing_account" yaml:"billing_account" validate:"required"`
	EnabledAPIs    []string          `json:"enabled_apis,omitempty" yaml:"enabled_apis" validate:"dive,required"`
	IAMBindings    []IAMBinding      `json:"iam_bindings,omitempty" yaml:"iam_bindings" validate:"dive"`
	Network        NetworkConfig     `json:"network" yaml:"network"`
	NameScheme     NameScheme        `json:"project_id_scheme" yaml:"project_id_scheme"`
	Labels         map[string]string `json:"labels,omitempty" yaml:"labels"`
}

// IAMBinding grants a role to a set of members on a new project.
type IAMBinding struct {
	Role    string   `json:"role" yaml:"role" validate:"required"`
	Members []string `json:"members" yaml:"members" validate:"min=1,dive,required"`
}

// NetworkConfig toggles the networking applied after project creation.
type NetworkConfig struct {
	EnableNetworkMonitoring   bool `json:"enable_network_monitoring,omitempty" yaml:"enable_network_monitoring"`
	EnablePrivateGoogleAccess bool `json:"enable_private_google_access,omitempty" yaml:"enable_private_google_access"`
	EnableCloudLogging        bool `json:"enable_cloud_logging,omitempty" yaml:"enable_cloud_logging"`
}

// NameScheme configures resource name generation.
type NameScheme struct {
	Prefix string       `json:"prefix" yaml:"prefix" validate:"required,max=20"`
	Scheme NamingScheme `json:"scheme" yaml:"scheme" validate:"required,oneof=RANDOM_CHAR TWO_WORDS_NUMBER"`
}

// Check verifies that the variant matching Kind is present. Field-level rules
// are enforced by the validator tags.
func (c ResourceConfig) Check() error {
	switch c.Kind {
	case ResourceTypeCloudProject:
		if c.CloudProject == nil {
			return fmt.Errorf("resource config %q: kind %s requires cloud_project", c.ConfigName, c.Kind)
		}
		return nil
	default:
		return fmt.Errorf("resource config %q: unsupported kind %q", c.ConfigName, c.Kind)
	}
}

// Equal reports whether two configurations are the same. Comparison goes
// through the JSON form so nil and empty collections compare equal.
func (c ResourceConfig) Equal(other ResourceConfig) bool {
	a, errA := json.Marshal(c)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// PoolAndResourceStates is a pool plus a count-by-state snapshot of its
// resources. It is recomputed on demand and never persisted.
type PoolAndResourceStates struct {
	Pool   Pool                  `json:"pool"`
	Counts map[ResourceState]int `json:"counts"`

	// PendingCreates counts RUNNING create flights whose resource row does not
	// exist yet.
	PendingCreates int `json:"pending_creates"`
	// PendingDeletes counts READY resources with a RUNNING delete flight.
	PendingDeletes int `json:"pending_deletes"`
}

// Count returns the number of resources in state s.
func (p PoolAndResourceStates) Count(s ResourceState) int {
	return p.Counts[s]
}

// Supply is the pool's available and in-progress supply: CREATING + READY
// plus creates not yet visible as rows, minus READY resources already being
// drained.
func (p PoolAndResourceStates) Supply() int {
	return p.Count(ResourceStateCreating) + p.Count(ResourceStateReady) + p.PendingCreates - p.PendingDeletes
}

// ReadyRatio is READY divided by target size. A zero-size pool reports 1.
func (p PoolAndResourceStates) ReadyRatio() float64 {
	if p.Pool.Size <= 0 {
		return 1
	}
	return float64(p.Count(ResourceStateReady)) / float64(p.Pool.Size)
}

// ReconcileSnapshot is everything one reconciler pass needs, read in one go.
type ReconcileSnapshot struct {
	Pools           []PoolAndResourceStates
	InFlightCreates int
	InFlightDeletes int
}
