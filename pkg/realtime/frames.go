// Package realtime defines the wire frames of the notification pipeline and
// the registry that maps users to their live websocket connections.
package realtime

import "time"

// Frame type discriminators.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSubscribeBins         = "subscribe_bins"
	TypeSubscribed            = "subscribed"
	TypePing                  = "ping"
	TypePong                  = "pong"
)

// Row change operations.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Frame is the JSON envelope for every message exchanged over the websocket.
// Type is the discriminator; the remaining fields are populated depending on
// the frame type and omitted otherwise.
type Frame struct {
	Type      string     `json:"type"`
	Message   string     `json:"message,omitempty"`
	UserID    string     `json:"userId,omitempty"`
	Topic     string     `json:"topic,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
	Operation string     `json:"operation,omitempty"`
	Data      *EventData `json:"data,omitempty"`
}

// EventData carries the changed row on subscribe_bins frames.
type EventData struct {
	ID        string     `json:"id,omitempty"`
	Record    *BinRecord `json:"record,omitempty"`
	OldRecord *BinRecord `json:"old_record,omitempty"`
}

// BinRecord mirrors one row of the bins table.
type BinRecord struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Title           string    `json:"title"`
	Location        string    `json:"location,omitempty"`
	Status          string    `json:"status,omitempty"`
	OrganikStatus   string    `json:"organik_status,omitempty"`
	AnorganikStatus string    `json:"anorganik_status,omitempty"`
	B3Status        string    `json:"b3_status,omitempty"`
	FillLevel       int       `json:"fill_level"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChangeEvent is the canonical form of one bin row change. The relay
// normalizes whatever shape the feed delivers into this before fan-out, so
// downstream code never deals with feed quirks.
type ChangeEvent struct {
	// ID identifies the event for client-side deduplication.
	ID        string
	Operation string
	// UserID is the owner the change is delivered to.
	UserID    string
	Record    *BinRecord
	OldRecord *BinRecord
}

// Fanout returns the frame broadcast to the affected user's connections.
func (e *ChangeEvent) Fanout() Frame {
	return Frame{
		Type:      TypeSubscribeBins,
		Operation: e.Operation,
		Data: &EventData{
			ID:        e.ID,
			Record:    e.Record,
			OldRecord: e.OldRecord,
		},
	}
}
