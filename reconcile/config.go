package reconcile

import (
	"errors"
	"fmt"
	"time"
)

var errInvalidConfig = errors.New("invalid engine config")

// Config holds the tunables of the synchronisation loop. Every ceiling counts
// retries after the first attempt.
type Config struct {
	Symbol      string
	SnapshotURL string

	ReadyPollInterval time.Duration
	ReadyMaxPolls     int

	PeekRetryInterval time.Duration
	PeekMaxRetries    int

	SnapshotRetryInterval time.Duration
	SnapshotMaxRetries    int

	StaleSnapshotInterval   time.Duration
	StaleSnapshotMaxRetries int

	// IdleBackoff is how long the run loop sleeps when the buffer is empty
	IdleBackoff time.Duration
	// PublishDepth includes that many levels per side in every published
	// top of book, 0 disables it
	PublishDepth int
}

// DefaultConfig returns the reference delays and ceilings
func DefaultConfig() Config {
	return Config{
		ReadyPollInterval:       500 * time.Millisecond,
		ReadyMaxPolls:           120,
		PeekRetryInterval:       250 * time.Millisecond,
		PeekMaxRetries:          40,
		SnapshotRetryInterval:   time.Second,
		SnapshotMaxRetries:      5,
		StaleSnapshotInterval:   500 * time.Millisecond,
		StaleSnapshotMaxRetries: 10,
		IdleBackoff:             time.Millisecond,
	}
}

// Validate checks the config for values the engine cannot work with
func (c *Config) Validate() error {
	switch {
	case c.ReadyMaxPolls < 0, c.PeekMaxRetries < 0, c.SnapshotMaxRetries < 0, c.StaleSnapshotMaxRetries < 0:
		return fmt.Errorf("%w: retry ceilings cannot be negative", errInvalidConfig)
	case c.ReadyPollInterval < 0, c.PeekRetryInterval < 0, c.SnapshotRetryInterval < 0,
		c.StaleSnapshotInterval < 0, c.IdleBackoff < 0:
		return fmt.Errorf("%w: delays cannot be negative", errInvalidConfig)
	case c.PublishDepth < 0:
		return fmt.Errorf("%w: publish depth cannot be negative", errInvalidConfig)
	}
	return nil
}
