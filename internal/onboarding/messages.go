package onboarding

import (
	"fmt"
	"time"
)

const (
	msgWelcome = "Hi! I'm your calendar assistant. To get started, I need to link this chat to your account. " +
		"Do you already have an account?"
	msgButtonExisting = "I have an account"
	msgButtonNew      = "Create account"

	msgAskEmailExisting = "Great. Please send the email address of your account."
	msgAskEmailNew      = "Let's create your account. Please send your email address."
	msgInvalidEmail     = "That doesn't look like a valid email address. Please try again."
	msgInvalidCodeShape = "Please send the 6-digit code from the email. Reply \"resend\" for a new code or \"change email\" to use another address."
	msgInvalidCode      = "That code is not valid or has expired. Please check it and try again, or reply \"resend\"."
	msgAlreadyLinked    = "This chat is already linked to your account. You're all set!"
	msgComplete         = "Your account is linked and your calendar is connected. You're all set! How can I help?"
	msgCalendarReady    = "Your calendar is connected. You're all set! How can I help?"
	msgBusy             = "I'm still processing your previous request. Please wait a moment."
	msgGeneric          = "Something went wrong, please try again."
	msgUnavailable      = "Sign-in is temporarily unavailable. Please try again in a few minutes."
)

func msgCodeSent(email string) string {
	return fmt.Sprintf("I sent a 6-digit code to %s. Please reply with it here.", email)
}

func msgCodeResent(email string) string {
	return fmt.Sprintf("I sent a new code to %s.", email)
}

func msgEmailTaken(email string) string {
	return fmt.Sprintf("%s already has an account. Send the same code again to link this chat to it, or reply \"change email\".", email)
}

func msgConnectCalendar(url string) string {
	return "Your account is linked. Now connect your Google Calendar by opening this link:\n" + url
}

func msgStillWaitingCalendar(url string) string {
	return "I haven't seen your calendar connection yet. Please open this link to connect Google Calendar:\n" + url
}

func msgThrottled(resetIn time.Duration) string {
	minutes := int(resetIn.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("Too many attempts. Please try again in %d minute(s).", minutes)
}
