package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"calendar-agent/internal/conversation"
	"calendar-agent/internal/dedup"
	"calendar-agent/internal/domain"
	"calendar-agent/internal/onboarding"
	"calendar-agent/internal/ratelimit"
	"calendar-agent/internal/window"
	"calendar-agent/internal/workqueue"
)

const defaultModel = "gpt-4o-mini"

type ReplyGenerator interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, mediaRef string) (string, error)
}

type ReadMarker interface {
	MarkRead(ctx context.Context, messageID string) error
}

// Deps wires the session core components and external capabilities.
type Deps struct {
	Dedup        *dedup.Cache
	Window       *window.Tracker
	Onboarding   *onboarding.Machine
	Limiter      *ratelimit.Limiter
	Conversation *conversation.Manager
	Queue        *workqueue.Queue

	LLM         ReplyGenerator
	Transcriber Transcriber
	ReadMarker  ReadMarker

	Model  string
	Logger *slog.Logger
}

// Dispatcher handles one normalized inbound message end to end.
type Dispatcher struct {
	dedup        *dedup.Cache
	window       *window.Tracker
	onboarding   *onboarding.Machine
	limiter      *ratelimit.Limiter
	conversation *conversation.Manager
	queue        *workqueue.Queue
	llm          ReplyGenerator
	transcriber  Transcriber
	readMarker   ReadMarker
	model        string
	logger       *slog.Logger
	now          func() time.Time
}

func NewDispatcher(d Deps) (*Dispatcher, error) {
	switch {
	case d.Dedup == nil:
		return nil, errors.New("usecase: dedup cache must not be nil")
	case d.Window == nil:
		return nil, errors.New("usecase: window tracker must not be nil")
	case d.Onboarding == nil:
		return nil, errors.New("usecase: onboarding machine must not be nil")
	case d.Limiter == nil:
		return nil, errors.New("usecase: rate limiter must not be nil")
	case d.Conversation == nil:
		return nil, errors.New("usecase: conversation manager must not be nil")
	case d.Queue == nil:
		return nil, errors.New("usecase: work queue must not be nil")
	case d.LLM == nil:
		return nil, errors.New("usecase: llm client must not be nil")
	}
	model := strings.TrimSpace(d.Model)
	if model == "" {
		model = defaultModel
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		dedup:        d.Dedup,
		window:       d.Window,
		onboarding:   d.Onboarding,
		limiter:      d.Limiter,
		conversation: d.Conversation,
		queue:        d.Queue,
		llm:          d.LLM,
		transcriber:  d.Transcriber,
		readMarker:   d.ReadMarker,
		model:        model,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Dispatch processes msg. Envelope validation failures return an *Error
// without side effects. Past the dedup check every failure, including a
// panic, is answered with an apology and returned as an *Error for logging.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.InboundMessage) (err error) {
	if strings.TrimSpace(string(msg.SenderID)) == "" {
		return newError(ErrorInvalidInput, "missing_sender", nil)
	}
	if strings.TrimSpace(msg.MessageID) == "" {
		return newError(ErrorInvalidInput, "missing_message_id", nil)
	}

	logger := d.logger.With("sender", string(msg.SenderID), "message_id", msg.MessageID)
	if d.dedup.Seen(ctx, msg.MessageID) {
		logger.Info("duplicate delivery dropped")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("dispatch panicked", "panic", r, "stack", string(debug.Stack()))
			d.apologize(ctx, msg.SenderID, logger)
			err = newError(ErrorInternal, "panic", fmt.Errorf("%v", r))
		}
	}()

	if err := d.window.Touch(ctx, msg.SenderID); err != nil {
		logger.Warn("window touch failed", "err", err)
	}
	d.markRead(ctx, msg)

	if err := d.dispatch(ctx, msg, logger); err != nil {
		logger.Error("dispatch failed", "code", string(CodeOf(err)), "err", err)
		return err
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, msg domain.InboundMessage, logger *slog.Logger) error {
	input := msg.Text
	if input == "" {
		input = msg.ButtonID
	}

	if onboarding.IsResetCommand(input) {
		return d.reset(ctx, msg.SenderID, logger)
	}

	sess, err := d.onboarding.ResolveIdentity(ctx, msg.SenderID)
	if err != nil {
		d.apologize(ctx, msg.SenderID, logger)
		return newError(ErrorInternal, "resolve_identity_error", err)
	}
	if sess.State != domain.StateComplete {
		if msg.Type == domain.MessageAudio || msg.Type == domain.MessageUnsupported {
			d.send(ctx, msg.SenderID, msgVoiceOnboarding, logger)
			return nil
		}
		// The machine has already told the sender to retry on error.
		if _, err := d.onboarding.Handle(ctx, sess, msg); err != nil {
			return newError(ErrorInternal, "onboarding_step_error", err)
		}
		return nil
	}

	if msg.Type == domain.MessageUnsupported {
		d.send(ctx, msg.SenderID, msgUnsupported, logger)
		return nil
	}

	category := ratelimit.CategoryMessage
	if msg.Type == domain.MessageAudio {
		category = ratelimit.CategoryVoice
	}
	if decision := d.limiter.Check(ctx, msg.SenderID, category); !decision.Allowed {
		if decision.Unavailable {
			logger.Warn("rate limit store unavailable, refusing message", "category", string(category))
			d.send(ctx, msg.SenderID, msgUnavailable, logger)
			return nil
		}
		logger.Info("sender throttled", "category", string(category), "count", decision.Count)
		if decision.FirstDenial() {
			d.send(ctx, msg.SenderID, msgThrottled(decision.ResetIn), logger)
		}
		return nil
	}

	text, err := d.inboundText(ctx, msg)
	if err != nil {
		d.send(ctx, msg.SenderID, msgVoiceNotHeard, logger)
		return err
	}
	if text == "" {
		return nil
	}

	convCtx, err := d.conversation.AppendMessage(ctx, msg.SenderID, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: text,
		At:      msg.Timestamp,
	})
	if err != nil {
		d.apologize(ctx, msg.SenderID, logger)
		return newError(ErrorInternal, "context_append_error", err)
	}

	history := convCtx
	if n := len(history.Messages); n > 0 {
		history.Messages = history.Messages[:n-1]
	}
	sc := domain.SessionContext{
		SenderID:      msg.SenderID,
		AccountID:     sess.LinkedAccountID,
		ContextPrompt: d.conversation.BuildContextPrompt(history),
	}

	reply, err := d.llm.Chat(ctx, d.model, buildReplyMessages(sc, d.now(), text))
	if err != nil {
		d.apologize(ctx, msg.SenderID, logger)
		return upstreamError("openai_error", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		d.apologize(ctx, msg.SenderID, logger)
		return newError(ErrorUpstream, "openai_empty_reply", nil)
	}

	if _, err := d.conversation.AppendMessage(ctx, msg.SenderID, domain.ChatMessage{
		Role:    domain.RoleAssistant,
		Content: reply,
	}); err != nil {
		logger.Warn("assistant reply not recorded", "err", err)
	}

	if _, err := d.window.SendSmart(ctx, msg.SenderID, reply, window.TemplateOptions{}); err != nil {
		return upstreamError("send_error", err)
	}
	return nil
}

func (d *Dispatcher) inboundText(ctx context.Context, msg domain.InboundMessage) (string, error) {
	switch msg.Type {
	case domain.MessageAudio:
		if d.transcriber == nil {
			return "", newError(ErrorInternal, "transcriber_unavailable", nil)
		}
		if msg.MediaRef == "" {
			return "", newError(ErrorInvalidInput, "missing_media_ref", nil)
		}
		text, err := d.transcriber.Transcribe(ctx, msg.MediaRef)
		if err != nil {
			return "", upstreamError("transcription_error", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return "", newError(ErrorUpstream, "transcription_empty", nil)
		}
		return text, nil
	case domain.MessageInteractive:
		if msg.Text != "" {
			return strings.TrimSpace(msg.Text), nil
		}
		return strings.TrimSpace(msg.ButtonID), nil
	}
	return strings.TrimSpace(msg.Text), nil
}

func (d *Dispatcher) reset(ctx context.Context, sender domain.SenderID, logger *slog.Logger) error {
	if err := d.conversation.Clear(ctx, sender); err != nil {
		logger.Warn("conversation clear failed", "err", err)
	}
	if _, err := d.onboarding.Reset(ctx, sender); err != nil {
		d.apologize(ctx, sender, logger)
		return newError(ErrorInternal, "onboarding_reset_error", err)
	}
	logger.Info("sender reset onboarding")
	return nil
}

func (d *Dispatcher) markRead(ctx context.Context, msg domain.InboundMessage) {
	if d.readMarker == nil {
		return
	}
	d.queue.Submit(ctx, "mark_read", func(ctx context.Context) error {
		return d.readMarker.MarkRead(ctx, msg.MessageID)
	})
}

func (d *Dispatcher) send(ctx context.Context, to domain.SenderID, text string, logger *slog.Logger) {
	if _, err := d.window.SendSmart(ctx, to, text, window.TemplateOptions{}); err != nil {
		logger.Warn("reply not delivered", "err", err)
	}
}

func (d *Dispatcher) apologize(ctx context.Context, to domain.SenderID, logger *slog.Logger) {
	d.send(ctx, to, msgApology, logger)
}
