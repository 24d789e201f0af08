package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brinktrade/brink-api/internal/store"
)

type WorkerConfig struct {
	Workers       int
	PollInterval  time.Duration
	ReceiptPoll   time.Duration
	ExpirySweep   time.Duration
	BatchSize     int
	QueueCapacity int
}

func (c *WorkerConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ReceiptPoll <= 0 {
		c.ReceiptPoll = 5 * time.Second
	}
	if c.ExpirySweep <= 0 {
		c.ExpirySweep = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.BatchSize
	}
}

// Worker runs the background loops: a scheduler feeding due intents to a
// pool of processors, a receipt watcher and an expiry sweeper.
type Worker struct {
	gw  *Gateway
	cfg WorkerConfig
	log *slog.Logger
}

func NewWorker(gw *Gateway, cfg WorkerConfig) *Worker {
	cfg.defaults()
	return &Worker{
		gw:  gw,
		cfg: cfg,
		log: slog.Default().With("component", "worker"),
	}
}

// Run blocks until ctx is cancelled or a loop fails.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan store.DueIntent, w.cfg.QueueCapacity)

	g.Go(func() error {
		defer close(queue)
		return w.every(ctx, w.cfg.PollInterval, func(ctx context.Context) {
			w.schedule(ctx, queue)
		})
	})
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			for item := range queue {
				w.process(ctx, item)
			}
			return nil
		})
	}
	g.Go(func() error {
		return w.every(ctx, w.cfg.ReceiptPoll, func(ctx context.Context) {
			if n, err := w.gw.PollReceipts(ctx); err != nil {
				w.log.Warn("receipt poll failed", "error", err)
			} else if n > 0 {
				w.log.Info("receipts observed", "count", n)
			}
		})
	})
	g.Go(func() error {
		return w.every(ctx, w.cfg.ExpirySweep, func(ctx context.Context) {
			if n, err := w.gw.SweepExpired(ctx); err != nil {
				w.log.Warn("expiry sweep failed", "error", err)
			} else if n > 0 {
				w.log.Info("declarations expired", "count", n)
			}
		})
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// every runs fn now and then on each tick until ctx ends.
func (w *Worker) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) schedule(ctx context.Context, queue chan<- store.DueIntent) {
	due, err := w.gw.Due(ctx, w.cfg.BatchSize)
	if err != nil {
		w.log.Warn("due query failed", "error", err)
		return
	}
	for _, item := range due {
		select {
		case queue <- item:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, item store.DueIntent) {
	err := w.gw.Process(ctx, item.Hash, item.IntentIndex)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, ErrFatal):
		w.log.Error("declaration halted", "hash", item.Hash, "intent", item.IntentIndex, "error", err)
	default:
		w.log.Warn("process failed", "hash", item.Hash, "intent", item.IntentIndex, "error", err)
	}
}
