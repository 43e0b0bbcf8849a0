// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package main is the entry point for the Vigil server.
//
// Vigil receives security signals over HTTP (and optionally NATS), detects
// anomalies against per-source baselines, scores threats, runs approval-gated
// response playbooks and pages the on-call rotation for critical risk.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: defaults, config.yaml, then environment (Koanf v2)
//  2. Store: Badger database holding signals, baselines, scores, executions,
//     escalations and the roster
//  3. NATS bridge (optional): embedded server, publisher, subscriber
//  4. Pipeline: signal bus with detector, scorer, executor and on-call manager,
//     restored from the store
//  5. Authorization: Casbin RBAC over API routes
//  6. Supervisor tree: store GC, approval sweeper, bridge router, HTTP server
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the supervisor tree. After it stops, the pipeline
// closes (waiting for in-flight notifications), then the bridge and the store.
//
// # Example Usage
//
//	export CONFIG_PATH=/etc/vigil/config.yaml   # roster, playbooks, RBAC members
//	export STORE_PATH=/var/lib/vigil
//	export NOTIFY_WEBHOOK_URL=https://hooks.example.com/vigil
//	export AUTHZ_JWT_SECRET=...                 # shared with the identity provider
//	./vigil
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/vigil/internal/api"
	"github.com/tomtom215/vigil/internal/authz"
	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/notify"
	"github.com/tomtom215/vigil/internal/pipeline"
	"github.com/tomtom215/vigil/internal/store"
	"github.com/tomtom215/vigil/internal/supervisor"
	"github.com/tomtom215/vigil/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(cfg.Logging.Logging())

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Vigil stopped with an error")
	}
	logging.Info().Msg("Application stopped gracefully")
}

// run owns every resource so deferred cleanup happens before main exits.
//
//nolint:gocyclo // Sequential setup steps
func run(cfg *config.Config) error {
	logging.Info().Msg("Starting Vigil with supervisor tree")

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	br, err := startBridge(cfg.NATS)
	if err != nil {
		return err
	}
	if br != nil {
		defer br.close(context.Background())
	}

	p, err := buildPipeline(cfg, st, br)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer p.Close()

	if err := p.Restore(ctx); err != nil {
		return err
	}

	enforcer, err := authz.NewEnforcer(cfg.Authz)
	if err != nil {
		return fmt.Errorf("initialize authorization: %w", err)
	}
	if !enforcer.Enabled() {
		logging.Warn().Msg("Authorization disabled (AUTHZ_ENABLED=false), all API requests are allowed")
	}
	if !enforcer.Authenticates() {
		logging.Warn().Msg("No identity source configured (AUTHZ_JWT_SECRET or AUTHZ_TRUST_IDENTITY_HEADER), approvals and acknowledgments will be refused")
	}

	handler := api.NewRouter(cfg.Server, api.NewHandler(p.APIDependencies()), enforcer)

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), cfg.Supervisor)
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	tree.AddStorageService(services.NewRunnerService("store-gc", st))
	tree.AddPipelineService(services.NewRunnerService("approval-sweeper", p.Executor))
	if br != nil {
		router, err := br.router(p.Bus)
		if err != nil {
			return fmt.Errorf("create NATS ingest router: %w", err)
		}
		tree.AddPipelineService(services.NewRunnerService("bridge-router", router))
	}

	httpServer := services.NewHTTPServer(cfg.Server, handler)
	tree.AddAPIService(services.NewHTTPServerService(httpServer, cfg.Server.ShutdownTimeout))

	logging.Info().
		Str("addr", httpServer.Addr).
		Str("store", cfg.Store.Path).
		Bool("in_memory", cfg.Store.InMemory).
		Int("playbooks", len(p.Executor.Playbooks())).
		Bool("nats", br != nil).
		Bool("authz", enforcer.Enabled()).
		Msg("Vigil initialized")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	var treeErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			treeErr = err
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}
	return treeErr
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Store.InMemory {
		logging.Warn().Msg("Store running in memory, state will not survive a restart")
	}
	st, err := store.Open(cfg.Store.Store())
	if err != nil {
		return nil, err
	}
	logging.Info().Str("path", cfg.Store.Path).Msg("Store opened")
	return st, nil
}

// buildPipeline wires the notifier chain and the components.
func buildPipeline(cfg *config.Config, st *store.Store, br *bridge) (*pipeline.Pipeline, error) {
	onCall, err := cfg.OnCall.Manager()
	if err != nil {
		return nil, err
	}

	notifiers := []notify.Notifier{notify.NewLogNotifier()}
	if cfg.Notify.Webhook.URL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notify.Webhook))
		logging.Info().Str("url", cfg.Notify.Webhook.URL).Msg("Webhook notifier registered")
	}

	opts := []pipeline.Option{
		pipeline.WithNotifier(notify.Multi(notifiers...)),
	}
	if br != nil && br.forwarder != nil {
		opts = append(opts, pipeline.WithForwarder(br.forwarder))
	}

	return pipeline.New(pipeline.Config{
		Bus:        cfg.Bus,
		Anomaly:    cfg.Anomaly,
		Threat:     cfg.Threat,
		Playbook:   cfg.Playbook,
		OnCall:     onCall,
		Dispatcher: cfg.Notify.Dispatcher,
	}, st, opts...)
}
