// Package config centralizes the timing and structural constants spec.md
// §9 requires to be enumerated explicitly rather than sprinkled through the
// code as magic numbers.
package config

import "time"

const (
	// PortalProbeInterval is the delay between readiness probes against a
	// sandbox's in-VM portal.
	PortalProbeInterval = 10 * time.Millisecond
	// PortalProbeTimeout bounds each individual probe attempt.
	PortalProbeTimeout = 50 * time.Millisecond
	// PortalProbeMaxAttempts bounds the total number of probe attempts
	// (≈3s at the interval/timeout above).
	PortalProbeMaxAttempts = 300

	// StartPollInterval is the polling cadence while sandbox.start waits
	// for the sandbox to report running.
	StartPollInterval = 20 * time.Millisecond
	// StartDeadlineRegular bounds a start that does not require an image
	// pull.
	StartDeadlineRegular = 60 * time.Second
	// StartDeadlineFirstPull bounds a start that may need to pull an image.
	StartDeadlineFirstPull = 180 * time.Second

	// DiskSizeTTL bounds how long Orchestra's directory-size cache entries
	// remain valid.
	DiskSizeTTL = 30 * time.Second

	// MaxDependencyDepth bounds sandbox depends_on traversal (spec.md §3).
	MaxDependencyDepth = 32

	// DefaultPortalGuestPort is the fixed guest-side port the in-VM portal
	// listens on; sandbox.start always maps some host port to this one.
	DefaultPortalGuestPort = 8888

	// TokenTTL bounds the lifetime of the "msb_"+JWT API key Keygen issues
	// on server start (spec.md §4.9).
	TokenTTL = 24 * time.Hour
)
