// Package window tracks the channel's customer-care window: free-form replies
// are allowed only within a fixed duration of the sender's last message.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/kv"
)

const (
	DefaultDuration = 24 * time.Hour

	// MaxTemplateParamLen is the channel limit for one template body parameter.
	MaxTemplateParamLen = 1024
)

// Sender delivers free-form and templated messages.
type Sender interface {
	SendText(ctx context.Context, to domain.SenderID, text string) error
	SendTemplate(ctx context.Context, to domain.SenderID, tpl domain.Template) error
}

// TemplateOptions selects the fallback template used outside the window.
type TemplateOptions struct {
	Name     string
	Language string
}

type Tracker struct {
	store    kv.Store
	sender   Sender
	duration time.Duration
	fallback TemplateOptions
	logger   *slog.Logger
	now      func() time.Time
}

func New(store kv.Store, sender Sender, duration time.Duration, fallback TemplateOptions, logger *slog.Logger) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("window: store must not be nil")
	}
	if sender == nil {
		return nil, errors.New("window: sender must not be nil")
	}
	if strings.TrimSpace(fallback.Name) == "" {
		return nil, errors.New("window: fallback template name must not be empty")
	}
	if fallback.Language == "" {
		fallback.Language = "en"
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    store,
		sender:   sender,
		duration: duration,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func activityKey(sender domain.SenderID) string {
	return kv.Key("window", string(sender))
}

// Touch records now as the sender's last activity.
func (t *Tracker) Touch(ctx context.Context, sender domain.SenderID) error {
	millis := strconv.FormatInt(t.now().UnixMilli(), 10)
	if err := t.store.Set(ctx, activityKey(sender), millis, 0); err != nil {
		return fmt.Errorf("window: touch: %w", err)
	}
	return nil
}

// LastActivity returns the recorded last activity of sender.
func (t *Tracker) LastActivity(ctx context.Context, sender domain.SenderID) (time.Time, error) {
	raw, err := t.store.Get(ctx, activityKey(sender))
	if err != nil {
		return time.Time{}, err
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("window: decode last activity: %w", err)
	}
	return time.UnixMilli(millis), nil
}

// IsWithinWindow reports now - lastActivity < duration. Unknown senders and
// store failures count as outside the window.
func (t *Tracker) IsWithinWindow(ctx context.Context, sender domain.SenderID) bool {
	last, err := t.LastActivity(ctx, sender)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			t.logger.Warn("window lookup failed, assuming outside window", "sender", string(sender), "err", err)
		}
		return false
	}
	return t.now().Sub(last) < t.duration
}

func (t *Tracker) DecideSendMode(ctx context.Context, sender domain.SenderID) domain.SendMode {
	if t.IsWithinWindow(ctx, sender) {
		return domain.SendFreeform
	}
	return domain.SendTemplate
}

// SendSmart sends text free-form inside the window, or wrapped in a template
// otherwise. A zero opts selects the configured fallback template. It reports
// whether the template was used.
func (t *Tracker) SendSmart(ctx context.Context, sender domain.SenderID, text string, opts TemplateOptions) (bool, error) {
	if t.DecideSendMode(ctx, sender) == domain.SendFreeform {
		if err := t.sender.SendText(ctx, sender, text); err != nil {
			return false, fmt.Errorf("window: send text: %w", err)
		}
		return false, nil
	}

	if opts.Name == "" {
		opts = t.fallback
	}
	if opts.Language == "" {
		opts.Language = t.fallback.Language
	}
	tpl := domain.Template{
		Name:     opts.Name,
		Language: opts.Language,
		Params:   []string{TemplateParam(text)},
	}
	if err := t.sender.SendTemplate(ctx, sender, tpl); err != nil {
		return true, fmt.Errorf("window: send template: %w", err)
	}
	t.logger.Info("outside messaging window, sent template", "sender", string(sender), "template", tpl.Name)
	return true, nil
}

var (
	paramBreaks = regexp.MustCompile(`[\r\n\t]+`)
	paramSpaces = regexp.MustCompile(` {5,}`)
)

// TemplateParam makes text acceptable as a template body parameter: no line
// breaks or tabs, no more than four consecutive spaces, and at most
// MaxTemplateParamLen runes.
func TemplateParam(text string) string {
	s := paramBreaks.ReplaceAllString(strings.TrimSpace(text), " ")
	s = paramSpaces.ReplaceAllString(s, "    ")
	r := []rune(s)
	if len(r) <= MaxTemplateParamLen {
		return s
	}
	return string(r[:MaxTemplateParamLen-1]) + "…"
}
