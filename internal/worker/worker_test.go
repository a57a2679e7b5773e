package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/claimscope/internal/bus"
	"github.com/opensource-finance/claimscope/internal/domain"
)

type fakeWarmer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeWarmer) Warm(ctx context.Context, portfolioID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, portfolioID)
	if f.err != nil {
		return nil, f.err
	}
	return []string{"kpis", "risk-score"}, nil
}

func (f *fakeWarmer) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func publishLoaded(t *testing.T, b domain.EventBus, portfolioID string) {
	t.Helper()
	ev := domain.SnapshotEvent{PortfolioID: portfolioID, Revision: "rev-1", Customers: 3}
	if err := bus.PublishEvent(context.Background(), b, domain.GlobalScope, domain.TopicSnapshotLoaded, ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		worker := NewWorker(eventBus, &fakeWarmer{})
		if err := worker.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicSnapshotLoaded {
			t.Errorf("expected topic %s, got %s", domain.TopicSnapshotLoaded, stats.Topics[0])
		}

		if err := worker.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := worker.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("WarmsOnSnapshotLoaded", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		warmedCh := make(chan domain.SnapshotEvent, 1)
		_, err := eventBus.Subscribe(context.Background(), "book-a", domain.TopicReportsWarmed, func(ctx context.Context, msg *domain.Message) error {
			ev, err := bus.DecodeSnapshotEvent(msg)
			if err != nil {
				return err
			}
			warmedCh <- ev
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		warmer := &fakeWarmer{}
		worker := NewWorker(eventBus, warmer)
		if err := worker.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer worker.Stop()

		publishLoaded(t, eventBus, "book-a")

		select {
		case ev := <-warmedCh:
			if ev.Revision != "rev-1" {
				t.Errorf("expected revision rev-1, got %s", ev.Revision)
			}
			if len(ev.Reports) != 2 {
				t.Errorf("expected 2 warmed reports, got %v", ev.Reports)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for warmed event")
		}

		if calls := warmer.called(); len(calls) != 1 || calls[0] != "book-a" {
			t.Errorf("expected one warm call for book-a, got %v", calls)
		}
		if stats := worker.GetStats(); stats.Warmed != 1 || stats.Failed != 0 {
			t.Errorf("unexpected stats: %+v", stats)
		}
	})

	t.Run("PortfolioFilter", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		warmer := &fakeWarmer{}
		worker := NewWorker(eventBus, warmer)
		if err := worker.Start(Config{PortfolioIDs: []string{"book-b"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer worker.Stop()

		publishLoaded(t, eventBus, "book-a")
		publishLoaded(t, eventBus, "book-b")
		time.Sleep(100 * time.Millisecond)

		if calls := warmer.called(); len(calls) != 1 || calls[0] != "book-b" {
			t.Errorf("expected only book-b to be warmed, got %v", calls)
		}
	})

	t.Run("WarmFailure", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		worker := NewWorker(eventBus, &fakeWarmer{err: errors.New("record not found")})
		if err := worker.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer worker.Stop()

		publishLoaded(t, eventBus, "book-a")
		time.Sleep(100 * time.Millisecond)

		if stats := worker.GetStats(); stats.Failed != 1 || stats.Warmed != 0 {
			t.Errorf("expected one failed run, got %+v", stats)
		}
	})

	t.Run("MalformedEvent", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		warmer := &fakeWarmer{}
		worker := NewWorker(eventBus, warmer)
		if err := worker.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer worker.Stop()

		eventBus.Publish(context.Background(), domain.GlobalScope, domain.TopicSnapshotLoaded, []byte("{"))
		time.Sleep(50 * time.Millisecond)

		if calls := warmer.called(); len(calls) != 0 {
			t.Errorf("expected no warm calls, got %v", calls)
		}
	})
}
