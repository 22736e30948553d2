// Package events defines the lifecycle events emitted by the cache and its
// observers. Consumers install an EventHandler to trace fetch/retry/pause
// activity without coupling the core engine to a specific logging or
// metrics backend.
package events

import "time"

// EventHandler is the callback signature for receiving events.
type EventHandler func(Event)

// Event is the marker interface implemented by every event type.
type Event interface {
	isEvent()
}

// Trace carries low-level diagnostic detail, roughly analogous to a DEBUG
// log line.
type Trace struct {
	event
	ID      string
	Message string
}

// FetchStart indicates a Query or Mutation began an attempt.
type FetchStart struct {
	event
	ID string
}

// FetchSuccess indicates an attempt resolved without error.
type FetchSuccess struct {
	event
	ID string
}

// FetchError indicates an attempt rejected with an error.
type FetchError struct {
	event
	ID    string
	Error error
}

// RetryAttempt indicates a failed attempt is being retried after Sleep.
type RetryAttempt struct {
	event
	ID      string
	Attempt int
	Sleep   time.Duration
	Error   error
}

// MaxRetries indicates the retry policy gave up after Count attempts.
type MaxRetries struct {
	event
	ID    string
	Count int
}

// Paused indicates a retryer paused because the network mode forbids
// progress right now.
type Paused struct {
	event
	ID string
}

// Continued indicates a paused retryer resumed.
type Continued struct {
	event
	ID string
}

// Cancelled indicates a fetch or mutation was cancelled.
type Cancelled struct {
	event
	ID     string
	Revert bool
}

// Invalidated indicates a Query was marked invalidated.
type Invalidated struct {
	event
	ID string
}

// GarbageCollected indicates a Query was removed from its cache
// after its gcTime elapsed with no observers.
type GarbageCollected struct {
	event
	ID string
}

// event fulfills the Event interface for embedding in concrete event types.
type event struct{}

func (event) isEvent() {}
