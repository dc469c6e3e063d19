package usecase

import (
	"fmt"
	"strings"
	"time"

	"calendar-agent/internal/domain"
)

const (
	msgApology         = "Sorry, something went wrong on my side. Please try again in a moment."
	msgUnsupported     = "I can only read text and voice messages for now."
	msgVoiceNotHeard   = "Sorry, I couldn't understand that voice message. Could you type it instead?"
	msgVoiceOnboarding = "Please reply with text while we finish setting up your account."
	msgUnavailable     = "I'm temporarily unavailable. Please try again in a few minutes."
)

func msgThrottled(resetIn time.Duration) string {
	seconds := int(resetIn.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("You're sending messages too quickly. Please wait %d seconds and try again.", seconds)
}

func buildReplyMessages(sc domain.SessionContext, now time.Time, text string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: buildPolicyPrompt(now)},
	}
	if ctxPrompt := strings.TrimSpace(sc.ContextPrompt); ctxPrompt != "" {
		messages = append(messages, domain.ChatMessage{
			Role:    domain.RoleSystem,
			Content: "Conversation so far:\n" + ctxPrompt,
		})
	}
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: text})
}

func buildPolicyPrompt(now time.Time) string {
	return strings.Join([]string{
		"Role:",
		"You are a calendar assistant chatting with the user over WhatsApp.",
		"",
		"Current time: " + now.UTC().Format(time.RFC1123),
		"",
		"Behavior Rules:",
		"1) Answer the current message only, using the conversation so far as context.",
		"2) Keep replies short and plain; the channel renders no markdown tables.",
		"3) Confirm dates, times and attendees before describing a change as done.",
		"4) Reply in the language the user writes in.",
	}, "\n")
}
