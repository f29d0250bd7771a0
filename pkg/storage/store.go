package storage

import (
	"errors"
	"time"

	"github.com/cuemby/beacon/pkg/events"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Subscriber is the durable record of a persistent subscriber. It outlives
// the subscriber itself so that operators can find and forget abandoned
// backlogs.
type Subscriber struct {
	Name       string    `json:"name"`
	Persistent bool      `json:"persistent"`
	Filter     []string  `json:"filter,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
}

// Store defines the interface for engine state storage
// This is implemented by BoltDB-backed storage
type Store interface {
	// Subscribers
	SaveSubscriber(sub *Subscriber) error
	GetSubscriber(name string) (*Subscriber, error)
	ListSubscribers() ([]*Subscriber, error)
	DeleteSubscriber(name string) error

	// Events published while the engine was stopped
	Retain(batch []*events.Event) error
	Retained() ([]*events.Event, error)
	RetainedCount() (int, error)
	ClearRetained() error

	// Utility
	Close() error
}
