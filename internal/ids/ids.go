// Package ids mints the identifier types used across the gateway.
package ids

import "github.com/google/uuid"

// NewConnectionID mints a v4 UUID for a newly accepted connection.
func NewConnectionID() string { return uuid.New().String() }

// NewMessageID mints a v4 UUID for an outbound message.
func NewMessageID() string { return uuid.New().String() }

// NewSessionID mints a v4 UUID for a new session on first connection.
func NewSessionID() string { return uuid.New().String() }
