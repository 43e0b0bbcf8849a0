// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package eventbridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/tomtom215/vigil/internal/bus"
	"github.com/tomtom215/vigil/internal/signals"
)

func validSignal() signals.Signal {
	return signals.Signal{
		Type:       signals.TypeBruteForce,
		Severity:   signals.SeverityHigh,
		Source:     "auth-gateway",
		Confidence: 0.8,
		Payload:    map[string]any{"ip": "198.51.100.7"},
	}
}

func TestEncodeDecode(t *testing.T) {
	sig := validSignal()
	sig.ID = signals.NewID()
	msg, err := Encode(sig)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if msg.UUID != sig.ID || msg.Metadata.Get(MetadataType) != "brute_force" {
		t.Errorf("message = %s %v", msg.UUID, msg.Metadata)
	}

	got, err := Decode(msg)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.ID != sig.ID || got.Source != sig.Source || got.PayloadString("ip") != "198.51.100.7" {
		t.Errorf("Decode() = %+v", got)
	}
	if got.DedupKey != "msg:"+sig.ID {
		t.Errorf("DedupKey = %q, want message-derived key", got.DedupKey)
	}

	if _, err := Decode(message.NewMessage("x", []byte("{not json"))); err == nil {
		t.Error("Decode() accepted malformed payload")
	}
}

type failingBus struct{ err error }

func (f failingBus) Publish(ctx context.Context, sig signals.Signal) (bus.PublishResult, error) {
	return bus.PublishResult{}, f.err
}

func TestIngestor_Handle(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	ing := NewIngestor(b)

	msg, _ := Encode(validSignal())
	if err := ing.Handle(msg); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	// broker redelivery of the same message
	if err := ing.Handle(msg); err != nil {
		t.Fatalf("Handle() redelivery error = %v", err)
	}
	if st := b.Stats(); st.Published != 1 || st.Duplicates != 1 {
		t.Errorf("bus stats = %+v, want 1 published 1 duplicate", st)
	}

	invalid := validSignal()
	invalid.Confidence = 7
	bad, _ := Encode(invalid)
	if err := ing.Handle(bad); err != nil {
		t.Errorf("invalid signal should be acked, got %v", err)
	}
	if err := ing.Handle(message.NewMessage("y", []byte("garbage"))); err != nil {
		t.Errorf("undecodable message should be acked, got %v", err)
	}

	transient := NewIngestor(failingBus{err: bus.ErrClosed})
	if err := transient.Handle(msg); !errors.Is(err, bus.ErrClosed) {
		t.Errorf("transient failure error = %v, want ErrClosed", err)
	}
}

func TestRouter_IngestsFromSubject(t *testing.T) {
	logger := watermill.NopLogger{}
	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, logger)
	defer pubsub.Close()

	b := bus.New(bus.DefaultConfig())
	received := make(chan signals.Signal, 1)
	if _, err := b.Subscribe(signals.TypeBruteForce, "test", func(ctx context.Context, sig signals.Signal) error {
		received <- sig
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.RetryMaxRetries = 0
	r, err := NewRouter(cfg, pubsub, pubsub, NewIngestor(b), logger)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.RunWithContext(ctx) }()
	<-r.Running()

	msg, _ := Encode(validSignal())
	if err := pubsub.Publish(cfg.IngestSubject, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case sig := <-received:
		if sig.Source != "auth-gateway" || sig.CreatedAt.IsZero() {
			t.Errorf("ingested signal = %+v", sig)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("signal was not ingested")
	}
	_ = r.Close()
}

func TestForwarder(t *testing.T) {
	logger := watermill.NopLogger{}
	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, logger)
	defer pubsub.Close()

	f, err := NewForwarder(pubsub, "vigil.out", []string{"escalation_required"})
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	if types := f.Types(); len(types) != 1 || types[0] != signals.TypeEscalationRequired {
		t.Errorf("Types() = %v", types)
	}

	b := bus.New(bus.DefaultConfig())
	for _, typ := range f.Types() {
		if _, err := b.Subscribe(typ, "forwarder", f.OnSignal); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := pubsub.Subscribe(ctx, "vigil.out")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	esc := validSignal()
	esc.Type = signals.TypeEscalationRequired
	esc.Severity = signals.SeverityCritical
	res, err := b.Publish(ctx, esc)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	_, _ = b.Publish(ctx, validSignal())

	select {
	case msg := <-messages:
		msg.Ack()
		got, err := Decode(msg)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if got.ID != res.ID || got.Type != signals.TypeEscalationRequired {
			t.Errorf("forwarded = %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("escalation was not forwarded")
	}

	select {
	case msg := <-messages:
		t.Errorf("unexpected forwarded message %s", msg.Metadata.Get(MetadataType))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewForwarder_Validation(t *testing.T) {
	if _, err := NewForwarder(nil, "", nil); err == nil {
		t.Error("missing subject accepted")
	}
	if _, err := NewForwarder(nil, "out", []string{"phishing"}); !errors.Is(err, signals.ErrValidation) {
		t.Errorf("unknown type error = %v", err)
	}
}
