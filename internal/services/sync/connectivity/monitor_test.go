package connectivity

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/louisbranch/offlinesync/internal/services/sync/engine"
	"github.com/louisbranch/offlinesync/internal/services/sync/queue"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage/sqlite"
)

type countingDrainer struct {
	calls atomic.Int32
	done  chan struct{}
	block bool
}

func newCountingDrainer() *countingDrainer {
	return &countingDrainer{done: make(chan struct{}, 16)}
}

func (d *countingDrainer) Drain(ctx context.Context) (engine.Result, error) {
	d.calls.Add(1)
	defer func() { d.done <- struct{}{} }()
	if d.block {
		<-ctx.Done()
		return engine.Result{}, ctx.Err()
	}
	return engine.Result{Passes: 1}, nil
}

func waitDrains(t *testing.T, d *countingDrainer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-d.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for drain %d", i+1)
		}
	}
}

func discardLogf(string, ...any) {}

func TestOnlineEdgeTriggersOneDrain(t *testing.T) {
	sw := NewSwitch(false)
	drainer := newCountingDrainer()
	m := New(sw, drainer, Options{Logf: discardLogf})
	m.Start(context.Background())
	defer m.Close()

	sw.Set(true)
	sw.Set(true)
	sw.Set(true)
	waitDrains(t, drainer, 1)
	m.Close()

	if got := drainer.calls.Load(); got != 1 {
		t.Fatalf("drains = %d, want 1 for repeated online events", got)
	}
	if !m.Online() {
		t.Fatal("monitor should report online")
	}
}

func TestEachNewEdgeTriggersDrain(t *testing.T) {
	sw := NewSwitch(false)
	drainer := newCountingDrainer()
	m := New(sw, drainer, Options{Logf: discardLogf})
	m.Start(context.Background())
	defer m.Close()

	sw.Set(true)
	waitDrains(t, drainer, 1)
	sw.Set(false)
	if m.Online() {
		t.Fatal("monitor should report offline")
	}
	sw.Set(true)
	waitDrains(t, drainer, 1)

	if got := drainer.calls.Load(); got != 2 {
		t.Fatalf("drains = %d, want 2", got)
	}
}

func TestStartWhileOnline(t *testing.T) {
	cases := []struct {
		name         string
		drainOnStart bool
		wantDrains   int32
	}{
		{name: "no drain on start", drainOnStart: false, wantDrains: 0},
		{name: "drain on start", drainOnStart: true, wantDrains: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sw := NewSwitch(true)
			drainer := newCountingDrainer()
			m := New(sw, drainer, Options{DrainOnStart: tc.drainOnStart, Logf: discardLogf})
			m.Start(context.Background())
			waitDrains(t, drainer, int(tc.wantDrains))

			// Already online: a repeated online event is not an edge.
			sw.Set(true)
			m.Close()
			if got := drainer.calls.Load(); got != tc.wantDrains {
				t.Fatalf("drains = %d, want %d", got, tc.wantDrains)
			}
		})
	}
}

// lateSwitch goes online after Start read the state but before the
// subscription exists, so no event is delivered for that edge.
type lateSwitch struct {
	*Switch
	once sync.Once
}

func (s *lateSwitch) OnChange(listener func(Event)) func() {
	s.once.Do(func() { s.Switch.Set(true) })
	return s.Switch.OnChange(listener)
}

func TestEdgeBeforeSubscribeTriggersDrain(t *testing.T) {
	src := &lateSwitch{Switch: NewSwitch(false)}
	drainer := newCountingDrainer()
	m := New(src, drainer, Options{Logf: discardLogf})
	m.Start(context.Background())
	defer m.Close()

	waitDrains(t, drainer, 1)
	if !m.Online() {
		t.Fatal("monitor should report online")
	}
	src.Set(true)
	m.Close()
	if got := drainer.calls.Load(); got != 1 {
		t.Fatalf("drains = %d, want 1", got)
	}
}

func TestCloseUnsubscribesAndCancels(t *testing.T) {
	sw := NewSwitch(false)
	drainer := newCountingDrainer()
	drainer.block = true
	m := New(sw, drainer, Options{Logf: discardLogf})
	m.Start(context.Background())
	if sw.Listeners() != 1 {
		t.Fatalf("listeners = %d, want 1", sw.Listeners())
	}

	sw.Set(true)
	for drainer.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the in-flight drain")
	}
	if sw.Listeners() != 0 {
		t.Fatalf("listeners = %d, want 0 after Close", sw.Listeners())
	}

	sw.Set(false)
	sw.Set(true)
	if got := drainer.calls.Load(); got != 1 {
		t.Fatalf("drains = %d, want no drains after Close", got)
	}
	m.Close()
}

func TestMonitorDrivesEngine(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "offline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	q := queue.New(store, queue.Options{})
	id, err := q.Enqueue(context.Background(), "u1", "transfer", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e := engine.New(q, engine.ApplyFunc(func(context.Context, storage.SyncItem) error {
		return nil
	}), engine.Options{Logf: discardLogf})

	sw := NewSwitch(false)
	m := New(sw, e, Options{Logf: discardLogf})
	m.Start(context.Background())
	defer m.Close()

	sw.Set(true)
	deadline := time.Now().Add(2 * time.Second)
	for {
		item, err := q.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if item.Synced {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("item = %+v, want synced after online edge", item)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventString(t *testing.T) {
	if BecameOnline.String() != "online" || BecameOffline.String() != "offline" {
		t.Fatal("unexpected event names")
	}
	if Event(9).String() != "unknown" {
		t.Fatal("unexpected name for unknown event")
	}
}
