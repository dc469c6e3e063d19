package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"calendar-agent/internal/accounts"
)

func (c *cli) runLambda(ctx context.Context) error {
	app, err := c.build(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	lambda.Start(app.handler.Handle)
	return nil
}

func (c *cli) runServe(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := c.build(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	addr := c.cfg.HTTPAddr
	if c.addr != "" {
		addr = c.addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.handler.Routes(c.cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if app.memory != nil {
		sched := cron.New()
		if _, err := sched.AddFunc(c.cfg.SweepSchedule, func() {
			if n := app.memory.Sweep(); n > 0 {
				c.logger.Debug("expired entries swept", "count", n)
			}
		}); err != nil {
			return fmt.Errorf("schedule store sweep: %w", err)
		}
		sched.Start()
		defer func() { <-sched.Stop().Done() }()
	}

	c.logger.Info("calendar-agent listening", "addr", addr, "store", c.cfg.Store)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return app.queue.Drain(shutdownCtx)
	})
	return group.Wait()
}

func (c *cli) runMigrate(ctx context.Context) error {
	if c.cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := accounts.Open(ctx, c.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := accounts.Migrate(ctx, db); err != nil {
		return err
	}
	c.logger.Info("account schema is up to date")
	return nil
}
