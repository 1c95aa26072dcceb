// Package channel defines the interface between the persona daemon and the
// chat platforms it monitors — Matrix today, anything with rooms tomorrow.
package channel

import "context"

// Message represents an inbound message event from a chat platform.
type Message struct {
	// ChannelID is the platform-specific channel/room identifier.
	ChannelID string

	// GuildID groups channels that share one persona deployment.
	// On Matrix this is the homeserver name.
	GuildID string

	// AuthorID is the platform-specific sender identifier.
	AuthorID string

	// AuthorName is a display name suitable for conversation transcripts.
	AuthorName string

	// Content is the message text.
	Content string

	// Timestamp is the message timestamp in milliseconds.
	Timestamp int64
}

// Response represents an outgoing message to a channel.
type Response struct {
	// ChannelID is the target channel/room.
	ChannelID string

	// Content is the text to post.
	Content string
}

// Channel is the interface for a chat platform connection.
type Channel interface {
	// Name returns the platform identifier (e.g. "matrix").
	Name() string

	// Start begins listening for messages. Blocks until ctx is cancelled.
	// Received messages are delivered to the handler.
	Start(ctx context.Context, handler MessageHandler) error

	// Send posts a response into a channel on this platform.
	Send(ctx context.Context, resp Response) error

	// Stop gracefully shuts down the connection.
	Stop() error
}

// MessageHandler is called for each message received from the platform.
type MessageHandler func(ctx context.Context, msg Message) error
