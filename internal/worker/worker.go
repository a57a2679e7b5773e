// Package worker precomputes portfolio reports in the background.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/claimscope/internal/bus"
	"github.com/opensource-finance/claimscope/internal/domain"
)

// Warmer computes and caches the reports of a portfolio.
type Warmer interface {
	Warm(ctx context.Context, portfolioID string) ([]string, error)
}

// Worker warms the report cache whenever a snapshot is loaded.
type Worker struct {
	bus    domain.EventBus
	warmer Warmer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	portfolios    map[string]bool
	timeout       time.Duration

	warmed atomic.Int64
	failed atomic.Int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// PortfolioIDs restricts warming to these portfolios (empty = all).
	PortfolioIDs []string

	// Timeout bounds one warm run. Zero means five minutes.
	Timeout time.Duration
}

// NewWorker creates a new report warmer.
func NewWorker(eventBus domain.EventBus, warmer Warmer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    eventBus,
		warmer: warmer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to snapshot events.
func (w *Worker) Start(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.timeout = cfg.Timeout
	if w.timeout <= 0 {
		w.timeout = 5 * time.Minute
	}
	if len(cfg.PortfolioIDs) > 0 {
		w.portfolios = make(map[string]bool, len(cfg.PortfolioIDs))
		for _, id := range cfg.PortfolioIDs {
			w.portfolios[id] = true
		}
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.GlobalScope, domain.TopicSnapshotLoaded, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("report warmer started",
		"topic", domain.TopicSnapshotLoaded,
		"portfolio_count", len(cfg.PortfolioIDs),
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	ev, err := bus.DecodeSnapshotEvent(msg)
	if err != nil {
		slog.Error("failed to parse snapshot event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	w.mu.Lock()
	skip := w.portfolios != nil && !w.portfolios[ev.PortfolioID]
	timeout := w.timeout
	w.mu.Unlock()
	if skip {
		return nil
	}

	return w.warm(ctx, ev, timeout)
}

func (w *Worker) warm(ctx context.Context, ev domain.SnapshotEvent, timeout time.Duration) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reports, err := w.warmer.Warm(ctx, ev.PortfolioID)
	if err != nil {
		w.failed.Add(1)
		slog.Error("report warming failed",
			"portfolio_id", ev.PortfolioID,
			"revision", ev.Revision,
			"warmed", len(reports),
			"error", err,
		)
		return err
	}
	w.warmed.Add(1)

	done := domain.SnapshotEvent{PortfolioID: ev.PortfolioID, Revision: ev.Revision, Reports: reports}
	if err := bus.PublishEvent(ctx, w.bus, ev.PortfolioID, domain.TopicReportsWarmed, done); err != nil {
		slog.Error("failed to publish warmed event",
			"portfolio_id", ev.PortfolioID,
			"error", err,
		)
	}

	slog.Info("portfolio reports warmed",
		"portfolio_id", ev.PortfolioID,
		"revision", ev.Revision,
		"reports", len(reports),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for an in-flight warm run to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()

	slog.Info("report warmer stopped")
	return nil
}

// Stats holds worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Warmed            int64    `json:"warmed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Warmed:            w.warmed.Load(),
		Failed:            w.failed.Load(),
	}
}
