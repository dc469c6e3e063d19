package domain

import "time"

// ConversationContext is the rolling, summarized message log kept per sender.
type ConversationContext struct {
	SenderID    SenderID      `json:"senderId"`
	Messages    []ChatMessage `json:"messages"`
	Summary     string        `json:"summary,omitempty"`
	LastUpdated time.Time     `json:"lastUpdated"`
	Version     int64         `json:"version"`
}

// ContentLength returns the total number of characters across live messages.
func (c ConversationContext) ContentLength() int {
	n := 0
	for _, m := range c.Messages {
		n += len([]rune(m.Content))
	}
	return n
}

// SessionContext is what reply generation receives alongside the prompt.
type SessionContext struct {
	SenderID      SenderID
	AccountID     string
	ContextPrompt string
}
