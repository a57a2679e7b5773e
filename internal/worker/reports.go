package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/claimscope/internal/bus"
	"github.com/opensource-finance/claimscope/internal/domain"
)

// Reporter builds one report over the latest revision of a portfolio.
type Reporter interface {
	Report(ctx context.Context, portfolioID, name string, params url.Values) (*domain.CachedReport, bool, error)
}

// ReportServer answers report requests arriving on the event bus.
type ReportServer struct {
	bus      domain.EventBus
	reporter Reporter
	timeout  time.Duration

	mu  sync.Mutex
	sub domain.Subscription

	served atomic.Int64
	failed atomic.Int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewReportServer creates a report server. A zero timeout means one minute.
func NewReportServer(eventBus domain.EventBus, reporter Reporter, timeout time.Duration) *ReportServer {
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReportServer{
		bus:      eventBus,
		reporter: reporter,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to report requests.
func (s *ReportServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return fmt.Errorf("report server already started")
	}
	sub, err := s.bus.Subscribe(s.ctx, domain.GlobalScope, domain.TopicReportRequest, s.handle)
	if err != nil {
		return err
	}
	s.sub = sub

	slog.Info("bus report server started", "topic", domain.TopicReportRequest)
	return nil
}

func (s *ReportServer) handle(ctx context.Context, msg *domain.Message) error {
	s.wg.Add(1)
	defer s.wg.Done()

	var req domain.ReportRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.failed.Add(1)
		return bus.Reply(ctx, s.bus, msg, domain.ReportReply{Error: "invalid report request: " + err.Error()})
	}
	if req.PortfolioID == "" || req.Report == "" {
		s.failed.Add(1)
		return bus.Reply(ctx, s.bus, msg, domain.ReportReply{Error: "portfolioId and report are required"})
	}

	params := url.Values{}
	for k, v := range req.Params {
		params.Set(k, v)
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report, cached, err := s.reporter.Report(rctx, req.PortfolioID, req.Report, params)
	if err != nil {
		s.failed.Add(1)
		slog.Warn("bus report request failed",
			"portfolio_id", req.PortfolioID,
			"report", req.Report,
			"error", err,
		)
		return bus.Reply(ctx, s.bus, msg, domain.ReportReply{Error: err.Error()})
	}

	s.served.Add(1)
	return bus.Reply(ctx, s.bus, msg, domain.ReportReply{Report: report, Cached: cached})
}

// Stop unsubscribes and waits for in-flight requests.
func (s *ReportServer) Stop() error {
	s.mu.Lock()
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", "topic", s.sub.Topic(), "error", err)
		}
		s.sub = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	slog.Info("bus report server stopped",
		"served", s.served.Load(),
		"failed", s.failed.Load(),
	)
	return nil
}

// Served returns the number of answered and failed requests.
func (s *ReportServer) Served() (served, failed int64) {
	return s.served.Load(), s.failed.Load()
}
