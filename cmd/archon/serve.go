/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v75/github"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/anomalyco/archon/quota"
	"github.com/anomalyco/archon/respond"
	"github.com/anomalyco/archon/tokenservice"
	"github.com/anomalyco/archon/webhook"
)

// serveConfig configures the hosted front-end: webhook receiver plus token
// exchange.
type serveConfig struct {
	Port int `env:"PORT, default=8080"`

	WebhookSecret string `env:"WEBHOOK_SECRET, required"`

	// Bot token used for placeholder comments and workflow dispatch.
	BotToken string `env:"BOT_GITHUB_TOKEN, required"`

	// GitHub App credentials for the token exchange.
	AppID          int64  `env:"GITHUB_APP_ID, required"`
	PrivateKeyPath string `env:"GITHUB_APP_PRIVATE_KEY_PATH, required"`

	QuotaDB string `env:"QUOTA_DB, default=archon.db"`
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hosted front-end: webhook receiver and token exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var cfg serveConfig
			if err := envconfig.Process(ctx, &cfg); err != nil {
				return fmt.Errorf("processing environment: %w", err)
			}
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg serveConfig) error {
	log := clog.FromContext(ctx)

	store, err := quota.Open(cfg.QuotaDB)
	if err != nil {
		return err
	}
	defer store.Close()

	key, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading app private key: %w", err)
	}
	minter, err := tokenservice.NewMinter(cfg.AppID, key)
	if err != nil {
		return err
	}
	verifier, err := tokenservice.NewVerifier(ctx)
	if err != nil {
		return err
	}

	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BotToken}))
	gh := github.NewClient(hc)

	handler := webhook.NewHandler(
		[]byte(cfg.WebhookSecret),
		store,
		webhook.NewDispatcher(gh),
		respond.New(gh),
	)
	exchange := tokenservice.New(verifier, minter, tokenservice.NewPATChecker())

	mux := chi.NewRouter()
	handler.Register(mux)
	exchange.Register(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.With("port", cfg.Port).Info("Serving")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
