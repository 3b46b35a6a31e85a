package worker

import (
	"context"
	"time"

	"github.com/phuslu/log"

	"reelcast/internal/telemetry"
)

// Queue is the slice of the run queue the processor loop consumes.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, itemID string, extension time.Duration) error
	Ack(ctx context.Context, itemID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context) (int64, error)
}

// Runner executes one orchestration run for an item.
type Runner interface {
	Run(ctx context.Context, itemID string) error
}

// Processor polls the run queue and hands each dequeued item to the pipeline.
// Several processors can run concurrently; the queue's lease makes sure they
// never work on the same item, and a heartbeat keeps the lease alive for runs
// that outlast it.
type Processor struct {
	id           string
	queue        Queue
	runner       Runner
	pollInterval time.Duration
	leaseTTL     time.Duration
}

func NewProcessor(id string, queue Queue, runner Runner, pollInterval, leaseTTL time.Duration) *Processor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if leaseTTL <= 0 {
		leaseTTL = 15 * time.Minute
	}
	return &Processor{id: id, queue: queue, runner: runner, pollInterval: pollInterval, leaseTTL: leaseTTL}
}

// Start blocks, consuming runs until the context is cancelled.
func (p *Processor) Start(ctx context.Context) {
	log.Info().Str("processor", p.id).Msg("processor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("processor", p.id).Msg("processor stopping")
			return
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 10); err != nil {
			log.Warn().Err(err).Str("processor", p.id).Msg("requeue expired leases")
		} else if len(reclaimed) > 0 {
			log.Warn().Str("processor", p.id).Int("count", len(reclaimed)).Msg("reclaimed abandoned runs")
		}

		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		itemID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			log.Warn().Err(err).Str("processor", p.id).Msg("dequeue failed")
			p.pause(ctx)
			continue
		}
		if itemID == "" {
			p.pause(ctx)
			continue
		}

		stopHeartbeat := p.keepLeaseAlive(ctx, itemID)

		telemetry.InFlightGauge.Inc()
		err = p.runner.Run(ctx, itemID)
		telemetry.InFlightGauge.Dec()
		stopHeartbeat()

		if err != nil {
			// Leave the lease in place. When it expires the run is requeued
			// and the item resumes from its last persisted status.
			log.Error().Err(err).Str("processor", p.id).Str("item", itemID).Msg("run abandoned")
			continue
		}
		if err := p.queue.Ack(ctx, itemID); err != nil {
			log.Warn().Err(err).Str("processor", p.id).Str("item", itemID).Msg("ack failed")
		}
	}
}

// keepLeaseAlive renews the item's lease on a fraction of its TTL so a run
// that outlasts the initial lease is never handed to a second worker. The
// returned stop function blocks until the heartbeat goroutine exits.
func (p *Processor) keepLeaseAlive(ctx context.Context, itemID string) (stop func()) {
	interval := p.leaseTTL / 3
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, itemID, p.leaseTTL); err != nil {
					log.Warn().Err(err).Str("processor", p.id).Str("item", itemID).Msg("extend lease failed")
				}
			}
		}
	}()
	return func() {
		close(stopCh)
		<-done
	}
}

func (p *Processor) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}
