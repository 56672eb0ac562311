package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents event types
type EventType string

const (
	EventTypeUplink       EventType = "UPLINK"
	EventTypeDownlink     EventType = "DOWNLINK"
	EventTypeTxAck        EventType = "TX_ACK"
	EventTypeGatewayStats EventType = "GATEWAY_STATS"
	EventTypeManagement   EventType = "MANAGEMENT"
	EventTypeBoot         EventType = "BOOT"
)

// Event is the envelope published to subscribers and the live feed.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      EventType   `json:"type"`
	GatewayID string      `json:"gatewayId"`
	Time      time.Time   `json:"time"`
	Data      interface{} `json:"data"`
	Metadata  Variables   `json:"metadata,omitempty"`
}

// NewEvent stamps a new event.
func NewEvent(t EventType, gatewayID string, data interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      t,
		GatewayID: gatewayID,
		Time:      time.Now().UTC(),
		Data:      data,
	}
}

// EventLevel represents the severity of a logged event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// EventLog is a persisted gateway event: boots, refused downlinks and
// management changes.
type EventLog struct {
	BaseModel
	GatewayID   string     `json:"gatewayId" db:"gateway_id"`
	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`
	Details     Variables  `json:"details,omitempty" db:"details"`
}
