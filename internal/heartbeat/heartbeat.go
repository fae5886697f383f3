// Package heartbeat keeps open streams alive and evicts stale ones.
package heartbeat

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KKKKjl/pushkit/internal/hub"
	"github.com/KKKKjl/pushkit/logger"
)

const (
	DefaultInterval    = 25 * time.Second
	DefaultMaxIdle     = 90 * time.Second
	DefaultMaxLifetime = 30 * time.Minute
)

type Scheduler struct {
	hub         *hub.Hub
	interval    time.Duration
	maxIdle     time.Duration
	maxLifetime time.Duration
	now         func() time.Time
	logger      *logrus.Entry
}

// TickResult summarises one pass over the registry.
type TickResult struct {
	Sent    int
	Idle    int
	Expired int
	Failed  int
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMaxIdle sets the idle threshold, zero disables idle eviction.
func WithMaxIdle(d time.Duration) Option {
	return func(s *Scheduler) {
		s.maxIdle = d
	}
}

// WithMaxLifetime sets the lifetime bound, zero disables it.
func WithMaxLifetime(d time.Duration) Option {
	return func(s *Scheduler) {
		s.maxLifetime = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithLogger(entry *logrus.Entry) Option {
	return func(s *Scheduler) {
		s.logger = entry
	}
}

func New(h *hub.Hub, opts ...Option) *Scheduler {
	s := &Scheduler{
		hub:         h,
		interval:    DefaultInterval,
		maxIdle:     DefaultMaxIdle,
		maxLifetime: DefaultMaxLifetime,
		now:         time.Now,
		logger:      logger.Component("heartbeat"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Infof("Heartbeat every %s, max idle %s, max lifetime %s.", s.interval, s.maxIdle, s.maxLifetime)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Heartbeat stopped.")
			return
		case <-ticker.C:
			res := s.Tick()
			s.logger.WithFields(logrus.Fields{
				"sent":    res.Sent,
				"idle":    res.Idle,
				"expired": res.Expired,
				"failed":  res.Failed,
			}).Trace("Heartbeat tick.")
		}
	}
}

// Tick writes a heartbeat to every open connection and closes the ones that
// are idle, past their lifetime, or can no longer be written to.
func (s *Scheduler) Tick() TickResult {
	var res TickResult

	now := s.now()
	frame := hub.Frame{Type: hub.HeartbeatType, Timestamp: now.UTC()}

	for _, conn := range s.hub.Connections() {
		switch {
		case s.maxLifetime > 0 && now.Sub(conn.CreatedAt) >= s.maxLifetime:
			res.Expired++
			s.evict(conn, "lifetime exceeded")

		case s.maxIdle > 0 && now.Sub(conn.LastActivity()) > s.maxIdle:
			res.Idle++
			s.evict(conn, "idle")

		default:
			if err := conn.Send(frame); err != nil {
				res.Failed++
				s.evict(conn, err.Error())
				continue
			}
			res.Sent++
		}
	}

	return res
}

func (s *Scheduler) evict(conn *hub.Connection, reason string) {
	if s.hub.Close(conn.ID) {
		s.logger.WithFields(logrus.Fields{"conn_id": conn.ID, "user_id": conn.UserID}).Debugf("Evict connection: %s", reason)
	}
}
