// Package channels defines the interfaces and types for chat platform
// channels. A channel (Discord today) implements the Channel interface to
// receive inbound messages and send text segments back to a conversation.
package channels

import (
	"context"
	"errors"
	"time"
)

// MaxMessageLength is the longest text segment a platform accepts in a
// single outbound message.
const MaxMessageLength = 2000

// Channel defines the interface that every chat platform adapter must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends one message to the specified conversation. The content must
	// already fit the platform limit; Send never splits.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// PresenceChannel extends Channel with typing indicators.
type PresenceChannel interface {
	Channel

	// SendTyping sends a "typing..." indicator to the conversation.
	SendTyping(ctx context.Context, to string) error
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source platform.
	ID string

	// Channel identifies the source platform (e.g. "discord").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// FromBot is true when the sender is a bot account, including ourselves.
	FromBot bool

	// ChatID is the origin conversation (Discord channel ID). Authorization
	// and history are keyed by it.
	ChatID string

	// GuildID is the server the message was posted in; empty for DMs.
	GuildID string

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrMessageTooLong      = errors.New("message exceeds platform length limit")
	ErrUnknownChannel      = errors.New("channel not registered")
)
