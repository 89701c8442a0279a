package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lecca.io/scout-watchtower/internal/alerts"
	"lecca.io/scout-watchtower/internal/config"
	"lecca.io/scout-watchtower/internal/hooks"
	"lecca.io/scout-watchtower/internal/logger"
	"lecca.io/scout-watchtower/internal/metrics"
	"lecca.io/scout-watchtower/internal/report"
	"lecca.io/scout-watchtower/internal/substrate"
	"lecca.io/scout-watchtower/internal/ws"
)

const blockBuffer = 64

// Stream delivers finalized blocks after from, in order, until it fails.
type Stream interface {
	Run(ctx context.Context, from uint64, out chan<- substrate.Block) error
}

// Backend is one connection's worth of chain access. A nil Events reports
// no runtime events.
type Backend struct {
	Chain  Chain
	Events EventSource
	Stream Stream
	Close  func()
}

type Dialer func(ctx context.Context) (Backend, error)

// ManagerDialer connects to the best healthy node of m and subscribes to its
// finalized heads.
func ManagerDialer(m *substrate.Manager) Dialer {
	return func(ctx context.Context) (Backend, error) {
		node, client, err := m.Connect(ctx)
		if err != nil {
			return Backend{}, err
		}
		logger.Info("PROC", "Using node %s (%s)", node.Endpoint.Label, node.Endpoint.URL)
		return Backend{
			Chain:  client,
			Events: NewChainEventSource(client),
			Stream: ws.NewListener(node.Endpoint.URL, client, node),
			Close:  client.Close,
		}, nil
	}
}

// Supervisor keeps a processor running. Any failure discards the processor
// and its trackers, sends an on-hold message and starts over from the
// finalized head after the error interval.
type Supervisor struct {
	cfg      *config.Config
	dial     Dialer
	runner   *hooks.Runner
	notifier alerts.Notifier
	exporter *metrics.Exporter
	status   *Status

	errorInterval time.Duration
	retryDelay    time.Duration
}

func NewSupervisor(cfg *config.Config, dial Dialer, runner *hooks.Runner, notifier alerts.Notifier, exporter *metrics.Exporter, status *Status) *Supervisor {
	interval := config.ParseDuration(cfg.Advanced.ErrorInterval)
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Supervisor{
		cfg:           cfg,
		dial:          dial,
		runner:        runner,
		notifier:      notifier,
		exporter:      exporter,
		status:        status,
		errorInterval: interval,
		retryDelay:    5 * time.Second,
	}
}

// Run blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.checkHooks()
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.status.restarts.Add(1)

		if errors.Is(err, ws.ErrSubscriptionFinished) {
			logger.Warn("PROC", "Finalized heads subscription finished, resubscribing")
			if !sleep(ctx, s.retryDelay) {
				return ctx.Err()
			}
			continue
		}

		logger.Error("PROC", "%v", err)
		logger.Warn("PROC", "On hold for %s", s.errorInterval)
		r := report.OnHold(s.cfg.Chain.Name, s.errorInterval, err)
		if s.notifier != nil {
			msg := alerts.Message{
				Key:       string(alerts.KindOnHold),
				Kind:      alerts.KindOnHold,
				Status:    alerts.AlertInfo,
				ChainName: s.cfg.Chain.Name,
				Title:     "Watchtower on hold",
				Text:      r.Message(),
				HTML:      r.FormattedMessage(),
				Timestamp: time.Now(),
			}
			if nerr := s.notifier.Notify(ctx, msg); nerr != nil {
				logger.Warn("ALERT", "on hold message skipped: %v", nerr)
			}
		}
		if !sleep(ctx, s.errorInterval) {
			return ctx.Err()
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	backend, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if backend.Close != nil {
		defer backend.Close()
	}

	proc := NewProcessor(s.cfg, backend.Chain, backend.Events, s.runner, s.notifier, s.exporter, s.status)
	from, err := proc.Init(ctx)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	blocks := make(chan substrate.Block, blockBuffer)
	errCh := make(chan error, 1)
	go func() {
		errCh <- backend.Stream.Run(streamCtx, from, blocks)
	}()

	for {
		select {
		case b := <-blocks:
			s.process(ctx, proc, b)
		case err := <-errCh:
			// blocks already delivered are still processed
			for {
				select {
				case b := <-blocks:
					s.process(ctx, proc, b)
				default:
					return err
				}
			}
		}
	}
}

func (s *Supervisor) process(ctx context.Context, proc *Processor, b substrate.Block) {
	if err := proc.ProcessBlock(ctx, b); err != nil {
		logger.Error("PROC", "%v", err)
	}
}

func (s *Supervisor) checkHooks() {
	h := s.cfg.Hooks
	for name, path := range map[hooks.Name]string{
		hooks.Init:                           h.Init,
		hooks.NewSession:                     h.NewSession,
		hooks.NewEra:                         h.NewEra,
		hooks.ValidatorStartsActiveNextEra:   h.ValidatorStartsActiveNextEra,
		hooks.ValidatorStartsInactiveNextEra: h.ValidatorStartsInactiveNextEra,
		hooks.ValidatorSlashed:               h.ValidatorSlashed,
		hooks.ValidatorChilled:               h.ValidatorChilled,
		hooks.ValidatorOffline:               h.ValidatorOffline,
		hooks.ReferendaSubmitted:             h.ReferendaSubmitted,
	} {
		s.runner.Check(name, path)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
