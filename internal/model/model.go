// Package model defines domain entities used by services and repositories.
package model

import (
	"fmt"
	"time"
)

// SyncState tells whether the local value was acknowledged by the remote authority.
type SyncState int

const (
	// Pending means the local value has not been acknowledged yet.
	Pending SyncState = iota
	// Confirmed means the local value matches the last-known remote value.
	Confirmed
)

// String implements fmt.Stringer.
func (s SyncState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// Origin marks which remote operation a Pending record still needs.
type Origin string

const (
	// OriginCreate marks a record that was never confirmed by the server.
	OriginCreate Origin = "create"
	// OriginUpdate marks an edit of a record the server already knows.
	OriginUpdate Origin = "update"
)

// Record is the synchronized entity.
type Record struct {
	ID        string
	Title     string
	Price     int64 // non-negative
	Date      string
	Sold      bool
	SyncState SyncState

	Origin Origin // meaningful only while Pending
	Rev    int64  // local revision, bumped on every local write
}

// SameContent reports whether both records carry the same user-visible fields.
func (r Record) SameContent(o Record) bool {
	return r.Title == o.Title && r.Price == o.Price && r.Date == o.Date && r.Sold == o.Sold
}

// AsPending returns a copy marked as not yet acknowledged.
func (r Record) AsPending(origin Origin) Record {
	r.SyncState = Pending
	r.Origin = origin
	return r
}

// AsConfirmed returns a copy marked as acknowledged.
func (r Record) AsConfirmed() Record {
	r.SyncState = Confirmed
	r.Origin = ""
	return r
}

// EventType is the kind of a live-channel notification.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventUpdated, EventDeleted:
		return true
	}
	return false
}

// Event is a remote-origin change pushed through the live channel.
type Event struct {
	Type    EventType
	Payload Record
}

// Tokens collects issued access tokens.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// User represents a backend account. Passwords are never stored in plaintext.
type User struct {
	Username  string // PK
	PwdHash   []byte // Argon2id(password, Salt)
	Salt      []byte
	CreatedAt time.Time
}
