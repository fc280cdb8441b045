package sync

import (
	"errors"
	"time"
)

var (
	// ErrNoEndpoint means every candidate URL failed its health probe.
	ErrNoEndpoint = errors.New("no endpoint available")
	// ErrOffline means the connectivity monitor reports no network.
	ErrOffline = errors.New("device is offline")
)

// SessionState is the per-collection replication state machine. Sessions
// move Stopped -> Starting -> Active and drop to Errored on a session
// error; Stopped is reached again only through an explicit stop.
type SessionState string

const (
	StateStopped  SessionState = "stopped"
	StateStarting SessionState = "starting"
	StateActive   SessionState = "active"
	StateErrored  SessionState = "errored"
)

type SessionStatus struct {
	ID         string       `json:"id"`
	Collection string       `json:"collection"`
	RemoteURL  string       `json:"remote_url"`
	State      SessionState `json:"state"`
	DocsPushed int64        `json:"docs_pushed"`
	DocsPulled int64        `json:"docs_pulled"`
	LastError  string       `json:"last_error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
}

// Result is the outcome of a status-reporting operation. These operations
// report failure in-band instead of raising it.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Status struct {
	Online      bool                     `json:"online"`
	SyncEnabled bool                     `json:"sync_enabled"`
	CurrentURL  string                   `json:"current_url,omitempty"`
	Collections map[string]SessionStatus `json:"collections"`
}
