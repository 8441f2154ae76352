// Package poller periodically asks the bridge for its device list and
// network map while the bridge is online.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"zigbee2mqtt-assistant/internal/state"
	"zigbee2mqtt-assistant/internal/topic"
)

// ErrBusy is returned by a manual refresh while the previous request of the
// same kind is still unanswered.
var ErrBusy = errors.New("refresh already outstanding")

// Requester publishes the refresh requests.
type Requester interface {
	RequestDevices(ctx context.Context) error
	RequestNetworkMap(ctx context.Context) error
}

// Observer receives loop events, for metrics.
type Observer interface {
	PollFired(loop string)
	PollSkipped(loop string)
}

// Config holds the schedules and timings.
type Config struct {
	DevicesSchedule     string
	NetworkScanSchedule string
	StartupDelay        time.Duration
	// MaxJitter bounds the random delay added to each network scan.
	MaxJitter time.Duration
	// RequestTimeout is how long an unanswered request blocks the next
	// firing. Zero means forever.
	RequestTimeout time.Duration
}

// Option configures a Poller.
type Option func(*Poller)

// WithSchedules replaces the parsed cron schedules.
func WithSchedules(devices, network cron.Schedule) Option {
	return func(p *Poller) {
		p.devices.schedule = devices
		p.network.schedule = network
	}
}

// WithObserver registers o for loop events.
func WithObserver(o Observer) Option {
	return func(p *Poller) { p.observer = o }
}

const (
	LoopDevices    = "devices"
	LoopNetworkMap = "networkmap"
)

type loop struct {
	name     string
	schedule cron.Schedule
	jitter   time.Duration
	request  func(context.Context) error

	// Unix nanos of the unanswered request, zero when none.
	outstanding atomic.Int64
}

// Poller runs the two refresh loops. Start and Stop may be called from any
// goroutine.
type Poller struct {
	logger       *slog.Logger
	observer     Observer
	startupDelay time.Duration
	timeout      time.Duration

	devices loop
	network loop

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group

	// follow serializes reading the online flag with acting on it.
	follow sync.Mutex
}

// New parses the schedules and creates a stopped Poller.
func New(cfg Config, req Requester, logger *slog.Logger, opts ...Option) (*Poller, error) {
	p := &Poller{
		logger:       logger.With("component", "poller"),
		startupDelay: cfg.StartupDelay,
		timeout:      cfg.RequestTimeout,
		devices:      loop{name: LoopDevices, request: req.RequestDevices},
		network:      loop{name: LoopNetworkMap, request: req.RequestNetworkMap, jitter: cfg.MaxJitter},
	}
	for _, o := range opts {
		o(p)
	}
	var err error
	if p.devices.schedule == nil {
		if p.devices.schedule, err = cron.ParseStandard(cfg.DevicesSchedule); err != nil {
			return nil, fmt.Errorf("devices schedule %q: %w", cfg.DevicesSchedule, err)
		}
	}
	if p.network.schedule == nil {
		if p.network.schedule, err = cron.ParseStandard(cfg.NetworkScanSchedule); err != nil {
			return nil, fmt.Errorf("network scan schedule %q: %w", cfg.NetworkScanSchedule, err)
		}
	}
	return p, nil
}

// Start launches both loops. It is a no-op when already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.group = g

	p.devices.outstanding.Store(0)
	p.network.outstanding.Store(0)

	g.Go(func() error { return p.run(gctx, &p.devices) })
	g.Go(func() error { return p.run(gctx, &p.network) })
	p.logger.Info("poller started")
}

// Stop cancels both loops and waits for them to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, g := p.cancel, p.group
	p.cancel, p.group = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("poller loop error", "err", err)
	}
	p.logger.Info("poller stopped")
}

// Running reports whether the loops are active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Watch keeps the poller running exactly while the bridge is online.
// Notifications may arrive out of order, so each one re-reads the current
// snapshot instead of trusting the pair it carries. Returns the unsubscribe
// function.
func (p *Poller) Watch(ctx context.Context, store *state.Store) func() {
	unsub := store.Subscribe(func(_, _ *state.Bridge) {
		p.followOnline(ctx, store)
	})
	p.followOnline(ctx, store)
	return unsub
}

func (p *Poller) followOnline(ctx context.Context, store *state.Store) {
	p.follow.Lock()
	defer p.follow.Unlock()
	if store.Read().Online {
		p.Start(ctx)
	} else {
		p.Stop()
	}
}

// InventoryReceived clears the devices loop's outstanding request.
func (p *Poller) InventoryReceived() { p.devices.outstanding.Store(0) }

// TopologyReceived clears the network map loop's outstanding request.
func (p *Poller) TopologyReceived() { p.network.outstanding.Store(0) }

// RequestEchoed handles the broker reflecting our own request back. It
// counts as an answer so the next firing is not skipped.
func (p *Poller) RequestEchoed(r topic.Request) {
	switch r {
	case topic.RequestDevices:
		p.InventoryReceived()
	case topic.RequestNetworkMap:
		p.TopologyReceived()
	}
}

// RefreshDevices requests the device list now unless one is outstanding.
func (p *Poller) RefreshDevices(ctx context.Context) error {
	return p.trigger(ctx, &p.devices)
}

// RefreshNetworkMap requests a network scan now unless one is outstanding.
func (p *Poller) RefreshNetworkMap(ctx context.Context) error {
	return p.trigger(ctx, &p.network)
}

func (p *Poller) run(ctx context.Context, l *loop) error {
	next := time.Now().Add(p.startupDelay + randomJitter(l.jitter))
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := p.trigger(ctx, l); err != nil {
			if errors.Is(err, ErrBusy) {
				p.logger.Warn("previous request still outstanding, skipping", "loop", l.name)
				if p.observer != nil {
					p.observer.PollSkipped(l.name)
				}
			} else if ctx.Err() == nil {
				p.logger.Warn("refresh request failed", "loop", l.name, "err", err)
			}
		}

		next = l.schedule.Next(time.Now())
		if next.IsZero() {
			p.logger.Warn("schedule never fires again", "loop", l.name)
			return nil
		}
		next = next.Add(randomJitter(l.jitter))
	}
}

func (p *Poller) trigger(ctx context.Context, l *loop) error {
	now := time.Now().UnixNano()
	prev := l.outstanding.Load()
	if prev != 0 && (p.timeout <= 0 || now-prev < p.timeout.Nanoseconds()) {
		return ErrBusy
	}
	if !l.outstanding.CompareAndSwap(prev, now) {
		return ErrBusy
	}
	if prev != 0 {
		p.logger.Debug("outstanding request expired", "loop", l.name)
	}
	if err := l.request(ctx); err != nil {
		l.outstanding.CompareAndSwap(now, 0)
		return err
	}
	p.logger.Debug("refresh requested", "loop", l.name)
	if p.observer != nil {
		p.observer.PollFired(l.name)
	}
	return nil
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
