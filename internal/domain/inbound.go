package domain

import "time"

// SenderID is the channel-specific address of one end user, e.g. a phone number.
type SenderID string

// MessageType is the normalized kind of an inbound message.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageInteractive MessageType = "interactive"
	MessageAudio       MessageType = "audio"
	MessageUnsupported MessageType = "unsupported"
)

// InboundMessage is a webhook delivery normalized away from the channel payload.
type InboundMessage struct {
	SenderID  SenderID
	MessageID string
	Timestamp time.Time
	Type      MessageType
	Text      string
	// ButtonID is set for interactive button replies.
	ButtonID string
	// MediaRef is the channel media id for audio messages.
	MediaRef string
}

// SendMode is the outbound policy decision for a sender.
type SendMode string

const (
	SendFreeform SendMode = "freeform"
	SendTemplate SendMode = "template"
)
