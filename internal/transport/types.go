package transport

import "context"

// RoomMessage is a text message received from a room.
type RoomMessage struct {
	RoomID   string
	EventID  string
	Sender   string
	Body     string
	ServerTS int64 // origin server timestamp, unix millis
}

// Sender delivers reminder notifications and command replies to rooms.
//
// MentionRoom asks the transport to address the whole room; mentionUser
// (when non-empty) addresses a single user instead. Implementations decide
// how mentions are rendered on the wire.
type Sender interface {
	Send(ctx context.Context, roomID, text string, mentionRoom bool, mentionUser string) error
}

// Adapter is a full chat transport: it can send, and it feeds incoming
// room messages into the provided channel until the context is cancelled.
type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- RoomMessage) error
	Stop(ctx context.Context) error
}
