package api

import (
	"context"
	"errors"
	"time"
)

// ErrChannelUnavailable is returned when a channel is invalid, does not exist or cannot be read
var ErrChannelUnavailable = errors.New("channel unavailable")

// Channel identifies a resolved channel
type Channel struct {
	ID       int64
	Username string
	Title    string

	// newest page as read while resolving, consumed by the first page of Messages
	newest []*Message
}

// Reaction is one reaction kind on a message. A reaction is either a standard emoji, a custom
// emoji identified by its document id, or neither when the kind cannot be identified.
type Reaction struct {
	Emoticon      string
	CustomEmojiID int64
	Count         int
}

// Message is a message record as produced by a MessageSource
type Message struct {
	ID         int64
	Date       time.Time
	Text       string
	EntityURLs []string
	// nil when the message carries no reactions at all
	Reactions []Reaction
	Views     *int
	Forwards  *int
}

// MessageIterator yields messages newest first. Next returns io.EOF once the history is exhausted.
type MessageIterator interface {
	Next(ctx context.Context) (*Message, error)
}

// MessageSource resolves channels and streams their history
type MessageSource interface {
	ResolveChannel(ctx context.Context, ref string) (*Channel, error)
	Messages(ctx context.Context, channel *Channel) MessageIterator
}
