package main

import (
	"context"
	"database/sql"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"calendar-agent/handler"
	"calendar-agent/internal/accounts"
	"calendar-agent/internal/config"
	"calendar-agent/internal/conversation"
	"calendar-agent/internal/dedup"
	"calendar-agent/internal/integrations/google"
	"calendar-agent/internal/integrations/mailer"
	"calendar-agent/internal/integrations/openai"
	"calendar-agent/internal/integrations/paramstore"
	"calendar-agent/internal/integrations/whatsapp"
	"calendar-agent/internal/kv"
	"calendar-agent/internal/lock"
	"calendar-agent/internal/onboarding"
	"calendar-agent/internal/ratelimit"
	"calendar-agent/internal/repository"
	"calendar-agent/internal/usecase"
	"calendar-agent/internal/window"
	"calendar-agent/internal/workqueue"
)

const googleSecretParam = "google-client-secret"

type application struct {
	handler *handler.Handler
	queue   *workqueue.Queue
	memory  *kv.Memory
	db      *sql.DB
}

func (a *application) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

func (c *cli) build(ctx context.Context) (*application, error) {
	cfg := c.cfg
	logger := c.logger
	if err := cfg.RequireService(); err != nil {
		return nil, err
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("create SSM client: %w", err)
	}

	// ---- Shared store ----
	app := &application{}
	var store kv.Store
	switch cfg.Store {
	case config.StoreMemory:
		app.memory = kv.NewMemory()
		store = app.memory
	default:
		client, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.TableName)
		if err != nil {
			return nil, fmt.Errorf("create state client: %w", err)
		}
		store = client
	}

	// ---- Accounts ----
	db, err := accounts.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	app.db = db
	fail := func(err error) (*application, error) {
		app.Close()
		return nil, err
	}
	codeMailer, err := mailer.New(mailer.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
	if err != nil {
		return fail(err)
	}
	accountStore, err := accounts.New(db, codeMailer)
	if err != nil {
		return fail(err)
	}

	// ---- External clients ----
	googleSecret, err := paramstore.Token(ctx, ps, paramstore.Name(cfg.ParamPrefix, googleSecretParam))
	if err != nil {
		return fail(fmt.Errorf("resolve google client secret: %w", err))
	}
	linker, err := google.NewLinker(google.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: googleSecret,
		RedirectURL:  cfg.Google.RedirectURL,
	}, store)
	if err != nil {
		return fail(err)
	}
	wa, err := whatsapp.NewClient(ps, cfg.ParamPrefix, cfg.PhoneNumberID, whatsapp.WithBaseURL(cfg.WhatsAppBaseURL))
	if err != nil {
		return fail(err)
	}
	llm, err := openai.NewClient(ps, cfg.ParamPrefix,
		openai.WithSummaryModel(cfg.SummaryModel),
		openai.WithTranscriptionModel(cfg.TranscriptionModel),
	)
	if err != nil {
		return fail(err)
	}
	voice, err := whatsapp.NewVoiceTranscriber(wa, llm)
	if err != nil {
		return fail(err)
	}

	// ---- Session core ----
	dedupCache, err := dedup.New(store, cfg.DedupTTL, logger)
	if err != nil {
		return fail(err)
	}
	limiterOpts := []ratelimit.Option{ratelimit.WithFailClosed(cfg.RateLimitFailClosed), ratelimit.WithLogger(logger)}
	for cat, p := range cfg.RatePolicies {
		limiterOpts = append(limiterOpts, ratelimit.WithPolicy(cat, p))
	}
	limiter, err := ratelimit.New(store, limiterOpts...)
	if err != nil {
		return fail(err)
	}
	mutex, err := lock.New(store, lock.WithTTL(cfg.LockTTL), lock.WithFailClosed(cfg.LockFailClosed), lock.WithLogger(logger))
	if err != nil {
		return fail(err)
	}
	tracker, err := window.New(store, wa, cfg.WindowDuration, window.TemplateOptions{
		Name:     cfg.FallbackTemplate,
		Language: cfg.TemplateLanguage,
	}, logger)
	if err != nil {
		return fail(err)
	}
	sessions, err := onboarding.NewSessionStore(store)
	if err != nil {
		return fail(err)
	}
	machine, err := onboarding.New(onboarding.Deps{
		Sessions: sessions,
		Accounts: accountStore,
		Linker:   linker,
		Outbound: wa,
		Mutex:    mutex,
		Limiter:  limiter,
		Logger:   logger,
	})
	if err != nil {
		return fail(err)
	}
	conv, err := conversation.New(store, llm, conversation.WithLimits(cfg.Context), conversation.WithLogger(logger))
	if err != nil {
		return fail(err)
	}
	app.queue = workqueue.New(cfg.QueueMaxInFlight, cfg.TaskTimeout, logger)

	dispatcher, err := usecase.NewDispatcher(usecase.Deps{
		Dedup:        dedupCache,
		Window:       tracker,
		Onboarding:   machine,
		Limiter:      limiter,
		Conversation: conv,
		Queue:        app.queue,
		LLM:          llm,
		Transcriber:  voice,
		ReadMarker:   wa,
		Model:        cfg.OpenAIModel,
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}
	calendar, err := usecase.NewCalendarService(linker, accountStore, machine, logger)
	if err != nil {
		return fail(err)
	}
	secrets, err := whatsapp.NewWebhookSecrets(ps, cfg.ParamPrefix)
	if err != nil {
		return fail(err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(dispatcher, app.queue, calendar, secrets, logger)
	if err != nil {
		return fail(err)
	}
	app.handler = h
	return app, nil
}
