package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"calendar-agent/internal/integrations/paramstore"
)

const (
	appSecretParam   = "whatsapp-app-secret"
	verifyTokenParam = "whatsapp-verify-token"
)

// WebhookSecrets resolves the webhook signing secret and subscription verify
// token from SSM. Values are cached by the paramstore client.
type WebhookSecrets struct {
	getter paramstore.Getter
	prefix string
}

func NewWebhookSecrets(ps paramstore.Getter, paramPrefix string) (*WebhookSecrets, error) {
	if ps == nil {
		return nil, errors.New("whatsapp: paramstore getter must not be nil")
	}
	if strings.TrimSpace(paramPrefix) == "" {
		return nil, errors.New("whatsapp: parameter prefix must not be empty")
	}
	return &WebhookSecrets{getter: ps, prefix: paramPrefix}, nil
}

func (s *WebhookSecrets) AppSecret(ctx context.Context) (string, error) {
	v, err := paramstore.Token(ctx, s.getter, paramstore.Name(s.prefix, appSecretParam))
	if err != nil {
		return "", fmt.Errorf("whatsapp: resolve app secret: %w", err)
	}
	return v, nil
}

func (s *WebhookSecrets) VerifyToken(ctx context.Context) (string, error) {
	v, err := paramstore.Token(ctx, s.getter, paramstore.Name(s.prefix, verifyTokenParam))
	if err != nil {
		return "", fmt.Errorf("whatsapp: resolve verify token: %w", err)
	}
	return v, nil
}
