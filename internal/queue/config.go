package queue

import (
	"fmt"
	"time"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultQueuePrefix            = ".queue-"
	DefaultLease                  = 30 * time.Second
	DefaultMaxLease               = 12 * time.Hour
	DefaultPollInterval           = time.Second
	DefaultListingLimit           = 10000
	DefaultMaxObjectNameLength    = 1024
	DefaultMaxContainerNameLength = 256
	DefaultMaxPayloadBytes        = 5*1024*1024*1024 + 2
	claimMarkerMaxBytes           = 4096
)

// Limits bounds request sizes and listing pages.
type Limits struct {
	// ListingLimit is the page size requested from the backend.
	ListingLimit int
	// MaxObjectNameLength bounds every key written inside a container.
	MaxObjectNameLength int
	// MaxContainerNameLength bounds prefix + queue name.
	MaxContainerNameLength int
	// MaxPayloadBytes bounds enqueue bodies.
	MaxPayloadBytes int64
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		ListingLimit:           DefaultListingLimit,
		MaxObjectNameLength:    DefaultMaxObjectNameLength,
		MaxContainerNameLength: DefaultMaxContainerNameLength,
		MaxPayloadBytes:        DefaultMaxPayloadBytes,
	}
}

// Config governs queue behaviour defaults.
type Config struct {
	// QueuePrefix is prepended to queue names to form container names.
	QueuePrefix string
	// DefaultLease applies when a claim does not request a lease.
	DefaultLease time.Duration
	// MaxLease caps requested leases.
	MaxLease time.Duration
	// PollInterval paces waiting claims on backends without a change feed.
	PollInterval time.Duration
	Limits       Limits
}

func (c Config) withDefaults() Config {
	if c.QueuePrefix == "" {
		c.QueuePrefix = DefaultQueuePrefix
	}
	if c.DefaultLease <= 0 {
		c.DefaultLease = DefaultLease
	}
	if c.MaxLease <= 0 {
		c.MaxLease = DefaultMaxLease
	}
	if c.DefaultLease > c.MaxLease {
		c.DefaultLease = c.MaxLease
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	def := DefaultLimits()
	if c.Limits.ListingLimit <= 0 {
		c.Limits.ListingLimit = def.ListingLimit
	}
	if c.Limits.MaxObjectNameLength <= 0 {
		c.Limits.MaxObjectNameLength = def.MaxObjectNameLength
	}
	if c.Limits.MaxContainerNameLength <= 0 {
		c.Limits.MaxContainerNameLength = def.MaxContainerNameLength
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		c.Limits.MaxPayloadBytes = def.MaxPayloadBytes
	}
	return c
}

func (c Config) validate() error {
	if len(c.QueuePrefix) >= c.Limits.MaxContainerNameLength {
		return fmt.Errorf("queue: prefix %q leaves no room for queue names", c.QueuePrefix)
	}
	return nil
}
