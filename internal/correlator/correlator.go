// Package correlator matches outbound bridge commands with the confirmation
// messages that complete them.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

var (
	ErrInProgress    = errors.New("operation already in progress")
	ErrTimeout       = errors.New("command timed out")
	ErrCommandFailed = errors.New("command failed")
	ErrClosed        = errors.New("correlator closed")
)

// Kind discriminates correlation keys.
type Kind int

const (
	KindRename Kind = iota + 1
	KindRemove
	KindBind
	KindUnbind
	KindPermitJoin
	KindLogLevel
)

func (k Kind) String() string {
	switch k {
	case KindRename:
		return "rename"
	case KindRemove:
		return "remove"
	case KindBind:
		return "bind"
	case KindUnbind:
		return "unbind"
	case KindPermitJoin:
		return "permit_join"
	case KindLogLevel:
		return "log_level"
	default:
		return "unknown"
	}
}

// Exclusive kinds act on one device and reject concurrent issues. The others
// converge on a target value, so concurrent callers share one request.
func (k Kind) Exclusive() bool {
	switch k {
	case KindRename, KindRemove, KindBind, KindUnbind:
		return true
	default:
		return false
	}
}

// Key identifies one in-flight command.
type Key struct {
	Kind    Kind
	Subject string
	Target  string
}

func (k Key) String() string {
	if k.Target == "" {
		return k.Kind.String() + "(" + k.Subject + ")"
	}
	return k.Kind.String() + "(" + k.Subject + "->" + k.Target + ")"
}

// RenameKey is keyed by the current name only: two renames of the same
// device conflict whatever their targets.
func RenameKey(from string) Key { return Key{Kind: KindRename, Subject: from} }

// RemoveKey covers both remove and force remove.
func RemoveKey(name string) Key { return Key{Kind: KindRemove, Subject: name} }

func BindKey(source, target string) Key {
	return Key{Kind: KindBind, Subject: source, Target: target}
}

func UnbindKey(source, target string) Key {
	return Key{Kind: KindUnbind, Subject: source, Target: target}
}

func PermitJoinKey(permit bool) Key {
	return Key{Kind: KindPermitJoin, Subject: strconv.FormatBool(permit)}
}

func LogLevelKey(level string) Key { return Key{Kind: KindLogLevel, Subject: level} }

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout rejects futures still pending after d with ErrTimeout.
// Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.timeout = d }
}

// Correlator holds the pending command map. It is safe for concurrent use.
type Correlator struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[Key]*Future
	closed  bool
}

// New creates a Correlator.
func New(logger *slog.Logger, opts ...Option) *Correlator {
	c := &Correlator{
		logger:  logger.With("component", "correlator"),
		pending: make(map[Key]*Future),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Issue registers key and runs publish. A pending exclusive key fails with
// ErrInProgress without publishing; a pending idempotent key returns the
// existing future, also without publishing. A publish error rejects the
// future and is returned.
func (c *Correlator) Issue(ctx context.Context, key Key, publish func(context.Context) error) (*Future, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if f, ok := c.pending[key]; ok {
		if key.Kind.Exclusive() {
			c.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", key, ErrInProgress)
		}
		f.waiters++
		c.mu.Unlock()
		c.logger.Debug("joined pending command", "key", key.String())
		return f, nil
	}

	f := &Future{
		c:         c,
		key:       key,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
		waiters:   1,
	}
	c.pending[key] = f
	if c.timeout > 0 {
		f.timer = time.AfterFunc(c.timeout, func() {
			if c.complete(f, fmt.Errorf("%s: %w", key, ErrTimeout)) {
				c.logger.Warn("command timed out", "key", key.String(), "timeout", c.timeout)
			}
		})
	}
	c.mu.Unlock()

	if err := publish(ctx); err != nil {
		err = fmt.Errorf("publish %s: %w", key, err)
		c.complete(f, err)
		return nil, err
	}
	c.logger.Debug("command issued", "key", key.String())
	return f, nil
}

// Do issues the command and waits for its confirmation.
func (c *Correlator) Do(ctx context.Context, key Key, publish func(context.Context) error) error {
	f, err := c.Issue(ctx, key, publish)
	if err != nil {
		return err
	}
	return f.Wait(ctx)
}

// Resolve completes the pending future for key with err (nil for success).
// It reports whether a future was pending; unsolicited confirmations are not
// an error.
func (c *Correlator) Resolve(key Key, err error) bool {
	c.mu.Lock()
	f, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.complete(f, err)
}

// Pending returns the number of in-flight commands.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects every pending future with ErrClosed and refuses new issues.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	futures := make([]*Future, 0, len(c.pending))
	for _, f := range c.pending {
		futures = append(futures, f)
	}
	c.mu.Unlock()
	for _, f := range futures {
		c.complete(f, ErrClosed)
	}
}

func (c *Correlator) complete(f *Future, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completeLocked(f, err)
}

func (c *Correlator) completeLocked(f *Future, err error) bool {
	if f.completed {
		return false
	}
	f.completed = true
	f.err = err
	close(f.done)
	if f.timer != nil {
		f.timer.Stop()
	}
	if c.pending[f.key] == f {
		delete(c.pending, f.key)
	}
	return true
}

// leave drops one waiter; the last one to leave abandons the command.
// It reports whether f had already completed, in which case f.err holds the
// real result.
func (c *Correlator) leave(f *Future, cause error) (completed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.completed {
		return true
	}
	if f.waiters > 0 {
		return false
	}
	if c.completeLocked(f, cause) {
		c.logger.Debug("command abandoned", "key", f.key.String())
	}
	return false
}

// Future is the eventual result of an issued command.
type Future struct {
	c         *Correlator
	key       Key
	CreatedAt time.Time

	done chan struct{}
	err  error

	// Guarded by c.mu.
	completed bool
	waiters   int
	timer     *time.Timer
}

// Key returns the correlation key.
func (f *Future) Key() Key { return f.key }

// Done is closed when the future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the result once Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the command completes or ctx ends. A cancelled waiter
// leaves; when no waiter remains the pending entry is dropped so the key can
// be issued again.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
	}
	if f.c.leave(f, ctx.Err()) {
		return f.err
	}
	return ctx.Err()
}
