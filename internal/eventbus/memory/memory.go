// Package memory provides eventbus fakes for the OTA engine's tests:
// a Publisher that records every emitted event and a LocalPublisher
// that records every mirrored one, so a test can assert the exact
// status sequences from spec §8's scenarios.
package memory

import (
	"context"
	"sync"

	"github.com/sorru94/edgehog-zephyr-device/internal/ota"
)

type Publisher struct {
	mu     sync.Mutex
	Events []ota.Event

	FailWith error
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) Publish(ctx context.Context, ev ota.Event) error {
	if p.FailWith != nil {
		return p.FailWith
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, ev)
	return nil
}

// Snapshot returns a copy of the events recorded so far, safe to read
// concurrently with further Publish calls.
func (p *Publisher) Snapshot() []ota.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ota.Event, len(p.Events))
	copy(out, p.Events)
	return out
}

// Statuses returns just the status sequence, the shape spec §8's
// invariants and scenarios are stated in terms of.
func (p *Publisher) Statuses() []ota.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ota.Status, len(p.Events))
	for i, ev := range p.Events {
		out[i] = ev.Status
	}
	return out
}

type LocalPublisher struct {
	mu     sync.Mutex
	Events []ota.LocalEvent
}

func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{}
}

func (p *LocalPublisher) PublishLocal(ctx context.Context, ev ota.LocalEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, ev)
	return nil
}

func (p *LocalPublisher) Snapshot() []ota.LocalEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ota.LocalEvent, len(p.Events))
	copy(out, p.Events)
	return out
}
