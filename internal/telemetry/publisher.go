package telemetry

import (
	"context"
	"sync/atomic"

	"bms-service/internal/logger"
)

const DefaultQueueSize = 128

// Sink receives encoded events. messaging.RedisClient appends them to a
// stream.
type Sink interface {
	PublishTelemetry(kind string, payload []byte) error
}

// Publisher hands events from the control tick to a worker goroutine.
// Publish never blocks: on backpressure the event is dropped and counted.
type Publisher struct {
	sink    Sink
	logger  *logger.Logger
	queue   chan Event
	dropped atomic.Uint64
	sent    atomic.Uint64
}

func NewPublisher(sink Sink, size int, l *logger.Logger) *Publisher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Publisher{
		sink:   sink,
		logger: l,
		queue:  make(chan Event, size),
	}
}

// Publish queues an event and reports whether it was accepted.
func (p *Publisher) Publish(ev Event) bool {
	select {
	case p.queue <- ev:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Run forwards queued events to the sink until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			p.forward(ev)
		}
	}
}

func (p *Publisher) forward(ev Event) {
	payload, err := Encode(ev)
	if err != nil {
		p.logger.Errorf("Failed to encode %s event: %v", ev.Kind, err)
		return
	}
	if err := p.sink.PublishTelemetry(ev.Kind.String(), payload); err != nil {
		p.logger.Warnf("Failed to publish %s event: %v", ev.Kind, err)
		return
	}
	p.sent.Add(1)
}

// Dropped returns how many events were lost to a full queue.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Sent returns how many events reached the sink.
func (p *Publisher) Sent() uint64 { return p.sent.Load() }

// Discard is a publisher target for tests and for running without telemetry.
type Discard struct{}

func (Discard) Publish(Event) bool { return true }
