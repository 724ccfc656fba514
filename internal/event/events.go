// Package event defines the gateway's domain events and the listener
// registries they are fanned out through.
package event

import (
	"time"

	"github.com/and161185/fedgate/internal/model"
)

// Event is a decoded platform activity. The set of implementations is closed.
type Event interface {
	// Kind is a stable name used in logs and metrics.
	Kind() string
	isEvent()
}

// Meta is carried by every event.
type Meta struct {
	EnvelopeID string    // outer envelope id, stable across redeliveries
	PodID      int64     // pod that produced the event
	OccurredAt time.Time // inner envelope creation time
}

// IMCreated reports a new one-to-one or multi-party IM conversation.
type IMCreated struct {
	Meta
	StreamID  string
	CreatorID int64
	Members   []int64
}

// Connection is the payload shared by connection lifecycle events.
type Connection struct {
	Meta
	FromUserID int64
	ToUserID   int64
}

type (
	ConnectionRequested struct{ Connection }
	ConnectionAccepted  struct{ Connection }
	ConnectionRefused   struct{ Connection }
	ConnectionDeleted   struct{ Connection }
)

// Message is the decrypted content shared by IMMessage and RoomMessage.
type Message struct {
	Meta
	MessageID  string
	StreamID   string
	FromUserID int64
	// RequestingUserID is the managed account whose content key decrypted the message.
	RequestingUserID int64
	Recipients       []int64
	Text             string
	PresentationML   string
	CustomEntities   map[string]model.CustomEntity
	IngestedAt       time.Time
}

type (
	IMMessage   struct{ Message }
	RoomMessage struct{ Message }
)

// Room is the payload shared by room lifecycle events.
type Room struct {
	Meta
	StreamID string
	ByUserID int64
}

type RoomCreated struct {
	Room
	Name        string
	Description string
	Members     []int64
}

type RoomUpdated struct {
	Room
	Name        string
	Description string
}

type (
	RoomDeactivated struct{ Room }
	RoomReactivated struct{ Room }
)

// Membership is a user entering or leaving a room.
type Membership struct {
	Room
	UserID int64
}

type (
	UserJoinedRoom struct{ Membership }
	UserLeftRoom   struct{ Membership }
)

func (IMCreated) Kind() string           { return "im_created" }
func (ConnectionRequested) Kind() string { return "connection_requested" }
func (ConnectionAccepted) Kind() string  { return "connection_accepted" }
func (ConnectionRefused) Kind() string   { return "connection_refused" }
func (ConnectionDeleted) Kind() string   { return "connection_deleted" }
func (IMMessage) Kind() string           { return "im_message" }
func (RoomMessage) Kind() string         { return "room_message" }
func (RoomCreated) Kind() string         { return "room_created" }
func (RoomUpdated) Kind() string         { return "room_updated" }
func (RoomDeactivated) Kind() string     { return "room_deactivated" }
func (RoomReactivated) Kind() string     { return "room_reactivated" }
func (UserJoinedRoom) Kind() string      { return "user_joined_room" }
func (UserLeftRoom) Kind() string        { return "user_left_room" }

func (IMCreated) isEvent()           {}
func (ConnectionRequested) isEvent() {}
func (ConnectionAccepted) isEvent()  {}
func (ConnectionRefused) isEvent()   {}
func (ConnectionDeleted) isEvent()   {}
func (IMMessage) isEvent()           {}
func (RoomMessage) isEvent()         {}
func (RoomCreated) isEvent()         {}
func (RoomUpdated) isEvent()         {}
func (RoomDeactivated) isEvent()     {}
func (RoomReactivated) isEvent()     {}
func (UserJoinedRoom) isEvent()      {}
func (UserLeftRoom) isEvent()        {}
