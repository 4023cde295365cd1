package main

import (
	"context"
	"sync"
	"time"

	"github.com/itohio/adaptivepwm/pkg/config"
	"github.com/itohio/adaptivepwm/pkg/device"
	"github.com/itohio/adaptivepwm/pkg/loop"
	"github.com/itohio/adaptivepwm/pkg/monitor"
	"github.com/itohio/adaptivepwm/pkg/pwm"
	"go.uber.org/zap"
)

// source streams loop snapshots to the scope and forwards operator commands.
type source interface {
	// Start streams snapshots until ctx is done, then closes the channel.
	Start(ctx context.Context) (<-chan pwm.Snapshot, error)
	Reset(ctx context.Context) error
	Trip(ctx context.Context, reason string) error
}

// pollSource polls the monitoring API of a running daemon.
type pollSource struct {
	client   *monitor.Client
	interval time.Duration
	log      *zap.SugaredLogger
}

func newPollSource(cfg config.MonitorConfig, logger *zap.SugaredLogger) *pollSource {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &pollSource{
		client:   monitor.NewClient(cfg.Endpoint, 2*time.Second),
		interval: interval,
		log:      logger,
	}
}

func (p *pollSource) Start(ctx context.Context) (<-chan pwm.Snapshot, error) {
	// Fail early when the daemon is unreachable.
	first, err := p.client.Status(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan pwm.Snapshot, 16)
	go func() {
		defer close(out)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		s := first
		for {
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			next, err := p.client.Status(ctx)
			for err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warnw("failed to poll daemon", "endpoint", p.client.Endpoint(), "error", err)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				next, err = p.client.Status(ctx)
			}
			s = next
		}
	}()
	return out, nil
}

func (p *pollSource) Reset(ctx context.Context) error {
	_, err := p.client.Reset(ctx)
	return err
}

func (p *pollSource) Trip(ctx context.Context, reason string) error {
	_, err := p.client.Trip(ctx, reason)
	return err
}

// localSource runs a loop over the simulated front end in-process.
type localSource struct {
	cfg *config.Config
	log *zap.SugaredLogger

	mu     sync.Mutex
	loop   *loop.Loop
	closed bool
}

func newLocalSource(cfg *config.Config, logger *zap.SugaredLogger) *localSource {
	return &localSource{cfg: cfg, log: logger}
}

func (s *localSource) Start(ctx context.Context) (<-chan pwm.Snapshot, error) {
	dev := device.NewMock(s.cfg.Mock, nil)
	if err := dev.Connect(); err != nil {
		return nil, err
	}

	l := loop.New(s.cfg, dev, nil, s.log)
	out := make(chan pwm.Snapshot, 64)

	s.mu.Lock()
	s.loop = l
	s.closed = false
	s.mu.Unlock()

	l.OnUpdate(func(snap pwm.Snapshot) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		select {
		case out <- snap:
		default:
			// Dropped; the next snapshot supersedes it.
		}
	})

	go func() {
		if err := l.Run(ctx); err != nil {
			s.log.Errorw("control loop failed", "error", err)
		}
		if err := dev.Close(); err != nil {
			s.log.Warnw("failed to close simulated front end", "error", err)
		}

		s.mu.Lock()
		s.closed = true
		close(out)
		s.mu.Unlock()
	}()
	return out, nil
}

func (s *localSource) current() *loop.Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop
}

func (s *localSource) Reset(context.Context) error {
	if l := s.current(); l != nil {
		l.Reset()
	}
	return nil
}

func (s *localSource) Trip(_ context.Context, reason string) error {
	if l := s.current(); l != nil {
		l.Trip(reason)
	}
	return nil
}
