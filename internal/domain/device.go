// Package domain contains core domain types for the agent chat application.
package domain

import (
	"time"
)

// Device is an anonymous browser identified by its device cookie. Identity
// rows persisted by the server are owned by a device.
type Device struct {
	DeviceID   string    `json:"device_id"`
	Label      string    `json:"label"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
