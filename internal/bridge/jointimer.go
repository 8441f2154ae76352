package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"zigbee2mqtt-assistant/internal/state"
)

// JoinCloser closes the network for joining.
type JoinCloser interface {
	PermitJoin(ctx context.Context, permit bool) error
}

// JoinTimer closes permit-join after a timeout once the bridge reports it
// open.
type JoinTimer struct {
	timeout time.Duration
	closer  JoinCloser
	logger  *slog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	gen      uint64

	// follow serializes reading permit-join with arming or disarming.
	follow sync.Mutex
}

// NewJoinTimer creates a timer; a non-positive timeout disables it.
func NewJoinTimer(timeout time.Duration, closer JoinCloser, logger *slog.Logger) *JoinTimer {
	return &JoinTimer{
		timeout: timeout,
		closer:  closer,
		logger:  logger.With("component", "join-timer"),
	}
}

// Watch keeps the timer armed exactly while store reports permit-join
// open. Each notification re-reads the current snapshot since updates from
// concurrent goroutines may be delivered out of order. Returns the
// unsubscribe function.
func (j *JoinTimer) Watch(store *state.Store) func() {
	if j.timeout <= 0 {
		return func() {}
	}
	unsub := store.Subscribe(func(_, _ *state.Bridge) {
		j.followPermitJoin(store)
	})
	j.followPermitJoin(store)
	return func() {
		unsub()
		j.disarm()
	}
}

func (j *JoinTimer) followPermitJoin(store *state.Store) {
	j.follow.Lock()
	defer j.follow.Unlock()
	if store.Read().PermitJoin {
		j.arm()
	} else {
		j.disarm()
	}
}

// Deadline returns when permit-join will be closed, or the zero time when
// no timer is running.
func (j *JoinTimer) Deadline() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.deadline
}

func (j *JoinTimer) arm() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.timer != nil {
		return
	}
	j.gen++
	gen := j.gen
	j.deadline = time.Now().Add(j.timeout)
	j.timer = time.AfterFunc(j.timeout, func() { j.expire(gen) })
	j.logger.Info("permit join open, closing after timeout", "timeout", j.timeout)
}

func (j *JoinTimer) disarm() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.timer == nil {
		return
	}
	j.timer.Stop()
	j.timer = nil
	j.deadline = time.Time{}
	j.gen++
}

func (j *JoinTimer) expire(gen uint64) {
	j.mu.Lock()
	if gen != j.gen {
		j.mu.Unlock()
		return
	}
	j.timer = nil
	j.deadline = time.Time{}
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := j.closer.PermitJoin(ctx, false); err != nil {
		j.logger.Warn("closing permit join failed", "err", err)
		return
	}
	j.logger.Info("permit join closed after timeout")
}
