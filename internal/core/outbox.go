package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"bms-service/internal/faults"
	"bms-service/internal/logger"
	"bms-service/internal/types"
)

type reportKind uint8

const (
	reportTsState reportKind = iota
	reportBalancingState
	reportFaultPresent
	reportFaultAbsent
)

type report struct {
	kind      reportKind
	ts        types.TsState
	board     int
	balancing types.BalancingState
	selection uint64
	fault     string
	desc      string
	info      string
	at        time.Time
}

// outbox carries Redis writes out of the tick. Queueing never blocks; a
// full queue drops the report.
type outbox struct {
	redis   MessagingClient
	logger  *logger.Logger
	queue   chan report
	dropped atomic.Uint64
}

func newOutbox(redis MessagingClient, size int, l *logger.Logger) *outbox {
	return &outbox{
		redis:  redis,
		logger: l,
		queue:  make(chan report, size),
	}
}

func (o *outbox) push(r report) {
	select {
	case o.queue <- r:
	default:
		o.dropped.Add(1)
		o.logger.Warnf("Outbox full, dropped report %d", r.kind)
	}
}

func (o *outbox) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.flush()
			return nil
		case r := <-o.queue:
			o.send(r)
		}
	}
}

// Dropped returns how many reports were lost to a full queue.
func (o *outbox) Dropped() uint64 { return o.dropped.Load() }

// flush sends whatever is still queued, so the last state reaches Redis on
// shutdown.
func (o *outbox) flush() {
	for {
		select {
		case r := <-o.queue:
			o.send(r)
		default:
			return
		}
	}
}

func (o *outbox) send(r report) {
	var err error
	switch r.kind {
	case reportTsState:
		err = o.redis.PublishTsState(r.ts)
	case reportBalancingState:
		err = o.redis.PublishBalancingState(r.board, r.balancing, r.selection)
	case reportFaultPresent:
		err = o.redis.ReportFaultPresent(r.fault, r.desc, r.at.Unix(), r.info)
	case reportFaultAbsent:
		err = o.redis.ReportFaultAbsent(r.fault, r.at.Unix())
	}
	if err != nil {
		o.logger.Warnf("Failed to publish to Redis: %v", err)
	}
}

// faultID names an instance in the bms:fault set.
func faultID(inst faults.Instance, cfg faults.GroupConfig) string {
	return fmt.Sprintf("%s:%d", cfg.Name, inst.ID)
}
