// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/vigil/internal/anomaly"
	"github.com/tomtom215/vigil/internal/api"
	"github.com/tomtom215/vigil/internal/bus"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/notify"
	"github.com/tomtom215/vigil/internal/oncall"
	"github.com/tomtom215/vigil/internal/playbook"
	"github.com/tomtom215/vigil/internal/signals"
	"github.com/tomtom215/vigil/internal/store"
	"github.com/tomtom215/vigil/internal/threat"
)

// Config groups the component configurations.
type Config struct {
	Bus        bus.Config
	Anomaly    anomaly.Config
	Threat     threat.Config
	Playbook   playbook.Config
	OnCall     oncall.Config
	Dispatcher notify.DispatcherConfig
}

// SignalHandler is a bus subscriber with the types it wants.
// *eventbridge.Forwarder satisfies it.
type SignalHandler interface {
	Types() []signals.Type
	OnSignal(ctx context.Context, sig signals.Signal) error
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	now       func() time.Time
	notifier  notify.Notifier
	delegate  playbook.ActionDelegate
	forwarder SignalHandler
}

// WithClock sets the time source for every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithNotifier sets the delivery channel. The default only logs.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithDelegate sets the integration that performs response actions. The
// default logs each action.
func WithDelegate(d playbook.ActionDelegate) Option {
	return func(o *options) { o.delegate = d }
}

// WithForwarder subscribes h to the types it names.
func WithForwarder(h SignalHandler) Option {
	return func(o *options) { o.forwarder = h }
}

// Pipeline owns the wired components.
type Pipeline struct {
	Bus        *bus.Bus
	Detector   *anomaly.Detector
	Scorer     *threat.Scorer
	Executor   *playbook.Executor
	OnCall     *oncall.Manager
	Dispatcher *notify.Dispatcher

	store *store.Store
	subs  []bus.Subscription
}

// New builds and subscribes every component. st may be nil, in which case
// nothing is persisted.
func New(cfg Config, st *store.Store, opts ...Option) (*Pipeline, error) {
	o := options{
		now:      time.Now,
		notifier: notify.NewLogNotifier(),
		delegate: playbook.LogDelegate{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pipeline{store: st}
	p.Dispatcher = notify.NewDispatcher(o.notifier, cfg.Dispatcher)

	busOpts := []bus.Option{bus.WithClock(o.now)}
	detectorOpts := []anomaly.Option{anomaly.WithClock(o.now)}
	scorerOpts := []threat.Option{threat.WithClock(o.now)}
	executorOpts := []playbook.Option{playbook.WithClock(o.now)}
	oncallOpts := []oncall.Option{oncall.WithClock(o.now)}
	if st != nil {
		busOpts = append(busOpts, bus.WithStore(st))
		detectorOpts = append(detectorOpts, anomaly.WithStore(st))
		scorerOpts = append(scorerOpts, threat.WithStore(st))
		executorOpts = append(executorOpts, playbook.WithStore(st))
		oncallOpts = append(oncallOpts, oncall.WithStore(st))
	}

	p.Bus = bus.New(cfg.Bus, busOpts...)
	p.Detector = anomaly.NewDetector(cfg.Anomaly, p.Bus, detectorOpts...)
	p.Scorer = threat.NewScorer(cfg.Threat, p.Bus, scorerOpts...)

	var err error
	p.Executor, err = playbook.NewExecutor(cfg.Playbook, playbook.DefaultHandlers(o.delegate, o.notifier), p.Dispatcher, executorOpts...)
	if err != nil {
		p.Dispatcher.Close()
		return nil, fmt.Errorf("playbook executor: %w", err)
	}
	p.OnCall, err = oncall.NewManager(cfg.OnCall, p.Dispatcher, oncallOpts...)
	if err != nil {
		p.Dispatcher.Close()
		return nil, fmt.Errorf("on-call manager: %w", err)
	}

	if err := p.subscribe(o.forwarder); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) subscribe(forwarder SignalHandler) error {
	add := func(typ signals.Type, name string, h bus.Handler) error {
		sub, err := p.Bus.Subscribe(typ, name, h)
		if err != nil {
			return fmt.Errorf("subscribe %s to %s: %w", name, typ, err)
		}
		p.subs = append(p.subs, sub)
		return nil
	}

	if err := add(signals.Wildcard, "anomaly-detector", p.Detector.OnSignal); err != nil {
		return err
	}
	if err := add(signals.Wildcard, "threat-scorer", p.Scorer.OnSignal); err != nil {
		return err
	}
	for _, t := range p.Executor.TriggerTypes() {
		if err := add(t, "playbook-executor", p.Executor.OnSignal); err != nil {
			return err
		}
	}
	if err := add(signals.TypeEscalationRequired, "oncall-manager", p.OnCall.OnSignal); err != nil {
		return err
	}
	if forwarder != nil {
		for _, t := range forwarder.Types() {
			if err := add(t, "bridge-forwarder", forwarder.OnSignal); err != nil {
				return err
			}
		}
	}
	return nil
}

// Restore reloads persisted state. It must be called before the first
// publish.
func (p *Pipeline) Restore(ctx context.Context) error {
	steps := []struct {
		name    string
		restore func(context.Context) (int, error)
	}{
		{"signals", p.Bus.Restore},
		{"diagnostics", p.Bus.RestoreDiagnostics},
		{"baselines", p.Detector.Restore},
		{"scores", p.Scorer.Restore},
		{"executions", p.Executor.Restore},
		{"escalations", p.OnCall.Restore},
	}
	for _, step := range steps {
		n, err := step.restore(ctx)
		if err != nil {
			return fmt.Errorf("restore %s: %w", step.name, err)
		}
		logging.Info().Str("component", step.name).Int("records", n).Msg("Restored state")
	}
	return nil
}

// APIDependencies exposes the components to the HTTP API.
func (p *Pipeline) APIDependencies() api.Dependencies {
	deps := api.Dependencies{
		Bus:       p.Bus,
		Anomalies: p.Detector,
		Threats:   p.Scorer,
		Playbooks: p.Executor,
		OnCall:    p.OnCall,
		Checks:    p.HealthChecks(),
	}
	if p.store != nil {
		deps.Journal = p.store
	}
	return deps
}

// ErrBusClosed is reported by the bus health check after Close.
var ErrBusClosed = errors.New("signal bus closed")

// HealthChecks returns a check per component.
func (p *Pipeline) HealthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"bus": func(context.Context) error {
			if p.Bus.Stats().Closed {
				return ErrBusClosed
			}
			return nil
		},
	}
	if p.store != nil {
		checks["store"] = func(ctx context.Context) error {
			_, err := p.store.Count(ctx, store.TableSignals)
			return err
		}
	}
	return checks
}

// Close unsubscribes every handler, stops the bus and waits for pending
// notifications. The store is left open for the caller to close.
func (p *Pipeline) Close() {
	for _, sub := range p.subs {
		sub.Unsubscribe()
	}
	p.subs = nil
	p.Bus.Close()
	p.Dispatcher.Close()
}
