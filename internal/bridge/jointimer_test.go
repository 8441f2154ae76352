package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"zigbee2mqtt-assistant/internal/state"
)

type fakeCloser struct {
	calls chan bool
}

func (f *fakeCloser) PermitJoin(_ context.Context, permit bool) error {
	f.calls <- permit
	return nil
}

func setPermitJoin(t *testing.T, store *state.Store, permit bool) {
	t.Helper()
	if _, _, err := store.Update(state.ApplyBridgeConfig(state.BridgeConfig{PermitJoin: permit})); err != nil {
		t.Fatal(err)
	}
}

func TestJoinTimerClosesAfterTimeout(t *testing.T) {
	store := state.NewStore(testLogger())
	closer := &fakeCloser{calls: make(chan bool, 1)}
	jt := NewJoinTimer(20*time.Millisecond, closer, testLogger())
	defer jt.Watch(store)()

	setPermitJoin(t, store, true)
	if jt.Deadline().IsZero() {
		t.Fatal("timer not armed")
	}
	select {
	case permit := <-closer.calls:
		if permit {
			t.Error("closer asked to open the network")
		}
	case <-time.After(time.Second):
		t.Fatal("permit join not closed")
	}
	if !jt.Deadline().IsZero() {
		t.Error("deadline kept after expiry")
	}
}

func TestJoinTimerDisarmedWhenClosed(t *testing.T) {
	store := state.NewStore(testLogger())
	closer := &fakeCloser{calls: make(chan bool, 1)}
	jt := NewJoinTimer(50*time.Millisecond, closer, testLogger())
	defer jt.Watch(store)()

	setPermitJoin(t, store, true)
	setPermitJoin(t, store, false)
	if !jt.Deadline().IsZero() {
		t.Error("timer still armed")
	}
	select {
	case <-closer.calls:
		t.Fatal("closer called after permit join was closed")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestJoinTimerArmsWhenAlreadyOpen(t *testing.T) {
	store := state.NewStore(testLogger())
	setPermitJoin(t, store, true)
	closer := &fakeCloser{calls: make(chan bool, 1)}
	jt := NewJoinTimer(time.Hour, closer, testLogger())
	stop := jt.Watch(store)
	if jt.Deadline().IsZero() {
		t.Error("timer not armed for open network")
	}
	stop()
	if !jt.Deadline().IsZero() {
		t.Error("unsubscribe left the timer armed")
	}
}

func TestJoinTimerDisabled(t *testing.T) {
	store := state.NewStore(testLogger())
	closer := &fakeCloser{calls: make(chan bool, 1)}
	jt := NewJoinTimer(0, closer, testLogger())
	defer jt.Watch(store)()

	setPermitJoin(t, store, true)
	if !jt.Deadline().IsZero() {
		t.Error("disabled timer armed")
	}
}

func TestJoinTimerIgnoresStaleNotification(t *testing.T) {
	store := state.NewStore(testLogger())
	closer := &fakeCloser{calls: make(chan bool, 1)}
	jt := NewJoinTimer(time.Hour, closer, testLogger())
	defer jt.disarm()

	setPermitJoin(t, store, true)
	setPermitJoin(t, store, false)

	// The open notification arrives after the close was applied.
	jt.followPermitJoin(store)
	if !jt.Deadline().IsZero() {
		t.Error("timer armed while snapshot has permit join closed")
	}
}

func TestJoinTimerConcurrentUpdates(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		store := state.NewStore(testLogger())
		closer := &fakeCloser{calls: make(chan bool, 1)}
		jt := NewJoinTimer(time.Hour, closer, testLogger())
		stop := jt.Watch(store)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					store.Update(state.ApplyBridgeConfig(state.BridgeConfig{PermitJoin: (i+g)%2 == 0}))
				}
			}(g)
		}
		wg.Wait()

		if open := store.Read().PermitJoin; jt.Deadline().IsZero() == open {
			t.Fatalf("attempt %d: armed=%v, permit join=%v", attempt, !jt.Deadline().IsZero(), open)
		}
		stop()
	}
}
