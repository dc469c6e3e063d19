package conversation

import (
	"encoding/json"

	"calendar-agent/internal/domain"
)

func jsonString(c domain.ConversationContext) (string, error) {
	b, err := json.Marshal(c)
	return string(b), err
}
