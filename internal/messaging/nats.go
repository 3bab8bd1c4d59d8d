package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// SubjectProvisionPoll carries readiness poll continuations.
	SubjectProvisionPoll = "devforge.provision.poll"
	// SubjectServerEvents carries server status changes.
	SubjectServerEvents = "devforge.server.events"
	// QueueOrchestrator is the queue group polls are delivered to, so each
	// continuation runs once no matter how many control planes subscribe.
	QueueOrchestrator = "orchestrator"
)

// PollTask is one readiness poll attempt. It carries all state the next
// attempt needs.
type PollTask struct {
	ServerID string `json:"server_id"`
	Address  string `json:"address"`
	Attempt  int    `json:"attempt"`
}

// ServerEvent is published whenever a server changes status.
type ServerEvent struct {
	ServerID  string      `json:"server_id"`
	UserID    string      `json:"user_id"`
	Status    spec.Status `json:"status"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Connect establishes a connection to a NATS server that keeps reconnecting.
func Connect(natsURL, name string, log *zap.SugaredLogger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warnw("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, err
	}
	log.Infow("Connected to NATS server", "url", natsURL)
	return nc, nil
}

// ErrSchedulerStopped is returned by RunAfter once Stop was called.
var ErrSchedulerStopped = errors.New("messaging: scheduler stopped")

// Scheduler publishes poll tasks after a delay.
type Scheduler struct {
	nc  *nats.Conn
	log *zap.SugaredLogger

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	stopped bool
}

// NewScheduler creates a scheduler publishing on nc.
func NewScheduler(nc *nats.Conn, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{nc: nc, log: log, pending: make(map[*time.Timer]struct{})}
}

// RunAfter publishes task on SubjectProvisionPoll once delay has passed.
func (s *Scheduler) RunAfter(delay time.Duration, task PollTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal poll task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pending, timer)
		s.mu.Unlock()

		if err := s.nc.Publish(SubjectProvisionPoll, data); err != nil {
			s.log.Errorw("Failed to publish poll task", "server_id", task.ServerID, "attempt", task.Attempt, "error", err)
		}
	})
	s.pending[timer] = struct{}{}
	return nil
}

// Stop cancels every continuation that has not fired yet.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for t := range s.pending {
		t.Stop()
	}
	s.pending = map[*time.Timer]struct{}{}
}

// SubscribePoll delivers poll tasks to handle, each in its own goroutine.
func SubscribePoll(ctx context.Context, nc *nats.Conn, log *zap.SugaredLogger, handle func(context.Context, PollTask)) (*nats.Subscription, error) {
	return nc.QueueSubscribe(SubjectProvisionPoll, QueueOrchestrator, func(m *nats.Msg) {
		var task PollTask
		if err := json.Unmarshal(m.Data, &task); err != nil {
			log.Errorw("Unmarshalling poll task", "error", err)
			return
		}
		go handle(ctx, task)
	})
}

// Events publishes server events. Publishing is best effort.
type Events struct {
	nc  *nats.Conn
	log *zap.SugaredLogger
}

// NewEvents creates an event publisher on nc.
func NewEvents(nc *nats.Conn, log *zap.SugaredLogger) *Events {
	return &Events{nc: nc, log: log}
}

// Publish sends ev on SubjectServerEvents.
func (e *Events) Publish(ev ServerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		e.log.Errorw("Failed to marshal server event", "error", err)
		return
	}
	if err := e.nc.Publish(SubjectServerEvents, data); err != nil {
		e.log.Warnw("Failed to publish server event", "server_id", ev.ServerID, "error", err)
	}
}
