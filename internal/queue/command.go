// Package queue defines the durable command model shared by the store, the
// sync coordinator and the status projection.
package queue

import "time"

// Status represents the lifecycle state of a command in the local queue.
type Status string

const (
	// StatusPending means the command is waiting to be dispatched
	StatusPending Status = "pending"

	// StatusExecuting means the command has been claimed by a drain session
	StatusExecuting Status = "executing"

	// StatusFailed means the last dispatch failed transiently and a retry is
	// scheduled at NextAttemptAt
	StatusFailed Status = "failed"

	// StatusDone means the command was applied remotely (terminal)
	StatusDone Status = "done"

	// StatusDead means the command exhausted its retries or failed
	// permanently (terminal)
	StatusDead Status = "dead"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDead
}

// CommandType identifies which remote operation a command invokes.
type CommandType string

const (
	// TypeBeginShift starts a driver duty
	TypeBeginShift CommandType = "begin-shift"

	// TypeEndShift ends a driver duty
	TypeEndShift CommandType = "end-shift"

	// TypeLocationUpdate reports a captured location fix
	TypeLocationUpdate CommandType = "location-update"

	// TypeUploadEvidence registers a captured photo evidence record
	TypeUploadEvidence CommandType = "upload-evidence"

	// TypeRegisterPushToken registers the device push notification token
	TypeRegisterPushToken CommandType = "register-push-token"

	// TypeAcceptAssignment accepts a dispatched assignment
	TypeAcceptAssignment CommandType = "accept-assignment"
)

// Command is one durable, typed intent to perform a remote state change.
// The store is the sole source of truth for its fields; everything else only
// observes them.
type Command struct {
	// Seq is the store-assigned monotonic sequence number defining FIFO order.
	Seq int64 `json:"seq"`

	// ID is the stable public identifier, assigned at enqueue time.
	ID string `json:"id"`

	Type        CommandType `json:"type"`
	ResourceKey string      `json:"resource_key"`

	// Payload is the versioned JSON envelope for Type.
	Payload []byte `json:"payload"`

	// IdempotencyKey is stable across retries so the remote service can
	// deduplicate a dispatch repeated after a crash.
	IdempotencyKey string `json:"idempotency_key"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`

	// NextAttemptAt is the earliest time the command may be dispatched.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
