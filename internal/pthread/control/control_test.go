//go:build linux

package control

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/renlord/platform-bionic/internal/pthread/futex"
	"github.com/renlord/platform-bionic/internal/pthread/layout"
	"github.com/renlord/platform-bionic/internal/pthread/mapping"
	"github.com/renlord/platform-bionic/internal/pthread/memsys"
)

func newTestThread(t *testing.T, attr Attributes) *Thread {
	t.Helper()
	m, err := mapping.Allocate(0, memsys.PageSize(), layout.Default())
	if err != nil {
		t.Fatalf("allocating mapping: %v", err)
	}
	th := New(attr, nil, nil, m)
	t.Cleanup(func() { th.ReleaseAll() })
	return th
}

func TestInitialJoinState(t *testing.T) {
	if got := newTestThread(t, Attributes{}).State(); got != NotJoined {
		t.Errorf("default initial state = %v, want %v", got, NotJoined)
	}
	if got := newTestThread(t, Attributes{Detached: true}).State(); got != Detached {
		t.Errorf("detached initial state = %v, want %v", got, Detached)
	}
}

func TestExitBeforeJoin(t *testing.T) {
	th := newTestThread(t, Attributes{})
	if got := th.MarkExited(); got != NotJoined {
		t.Errorf("MarkExited = %v, want %v", got, NotJoined)
	}
	if got := th.State(); got != ExitedNotJoined {
		t.Errorf("state after exit = %v, want %v", got, ExitedNotJoined)
	}
	// The late joiner is told the thread already exited and reclaims.
	if got := th.TryJoin(); got != ExitedNotJoined {
		t.Errorf("TryJoin after exit = %v, want %v", got, ExitedNotJoined)
	}
}

func TestJoinBeforeExit(t *testing.T) {
	th := newTestThread(t, Attributes{})
	if got := th.TryJoin(); got != NotJoined {
		t.Errorf("TryJoin = %v, want %v (claim succeeds)", got, NotJoined)
	}
	if got := th.MarkExited(); got != Joined {
		t.Errorf("MarkExited after claim = %v, want %v", got, Joined)
	}
	if got := th.TryDetach(); got != Joined {
		t.Errorf("TryDetach after claim = %v, want %v", got, Joined)
	}
	if got := th.TryJoin(); got != Joined {
		t.Errorf("second TryJoin = %v, want %v", got, Joined)
	}
}

func TestDetachBeforeExit(t *testing.T) {
	th := newTestThread(t, Attributes{})
	if got := th.TryDetach(); got != NotJoined {
		t.Errorf("TryDetach = %v, want %v (claim succeeds)", got, NotJoined)
	}
	if got := th.MarkExited(); got != Detached {
		t.Errorf("MarkExited on detached = %v, want %v", got, Detached)
	}
	if got := th.TryJoin(); got != Detached {
		t.Errorf("TryJoin on detached = %v, want %v", got, Detached)
	}
}

func TestJoinStateString(t *testing.T) {
	tests := []struct {
		state JoinState
		want  string
	}{
		{NotJoined, "not joined"},
		{ExitedNotJoined, "exited not joined"},
		{Joined, "joined"},
		{Detached, "detached"},
		{JoinState(99), "invalid"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("JoinState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestCleanupRunsNewestFirst(t *testing.T) {
	th := newTestThread(t, Attributes{})
	var order []string
	th.PushCleanup(func() { order = append(order, "a") })
	th.PushCleanup(func() { order = append(order, "b") })
	th.PushCleanup(func() { order = append(order, "c") })

	th.RunCleanups()
	want := []string{"c", "b", "a"}
	if len(order) != len(want) {
		t.Fatalf("ran %d handlers, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("handler %d ran as %q, want %q", i, order[i], want[i])
		}
	}

	// Stack must be empty now.
	order = order[:0]
	th.RunCleanups()
	if len(order) != 0 {
		t.Errorf("second RunCleanups ran %d handlers, want 0", len(order))
	}
}

func TestPopCleanup(t *testing.T) {
	th := newTestThread(t, Attributes{})
	var ran []string
	th.PushCleanup(func() { ran = append(ran, "bottom") })
	th.PushCleanup(func() { ran = append(ran, "top") })

	th.PopCleanup(false)
	if len(ran) != 0 {
		t.Errorf("PopCleanup(false) executed a handler: %v", ran)
	}
	th.PopCleanup(true)
	if len(ran) != 1 || ran[0] != "bottom" {
		t.Errorf("PopCleanup(true) ran %v, want [bottom]", ran)
	}
	th.PopCleanup(true) // empty stack
	if len(ran) != 1 {
		t.Errorf("PopCleanup on empty stack ran a handler: %v", ran)
	}
}

func TestResultRoundtrip(t *testing.T) {
	th := newTestThread(t, Attributes{})
	if got := th.Result(); got != nil {
		t.Errorf("fresh Result = %v, want nil", got)
	}
	th.SetResult(42)
	if got := th.Result(); got != 42 {
		t.Errorf("Result = %v, want 42", got)
	}
}

func TestTIDWordLifecycle(t *testing.T) {
	th := newTestThread(t, Attributes{})
	if got := th.TID(); got != 0 {
		t.Errorf("TID before publication = %d, want 0", got)
	}

	atomic.StoreUint32(th.TIDWord(), 4242)
	futex.Wake(th.TIDWord(), 1)
	if got := th.TID(); got != 4242 {
		t.Errorf("TID = %d, want 4242", got)
	}
	if got := th.WaitTID(); got != 4242 {
		t.Errorf("WaitTID = %d, want 4242", got)
	}

	exited := make(chan struct{})
	go func() {
		th.WaitExited()
		close(exited)
	}()
	atomic.StoreUint32(th.TIDWord(), 0)
	futex.Wake(th.TIDWord(), 1<<30)
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitExited never returned after the word was cleared")
	}
	if got := th.TID(); got != 0 {
		t.Errorf("TID after clear = %d, want 0", got)
	}
}

func TestCreatorTID(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	th := newTestThread(t, Attributes{})
	if got, want := th.CreatorTID(), uint32(unix.Gettid()); got != want {
		t.Errorf("CreatorTID = %d, want %d", got, want)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	th := newTestThread(t, Attributes{})

	if r.Find(th) {
		t.Error("Find before Publish = true")
	}
	r.Publish(th)
	if !r.Find(th) {
		t.Error("Find after Publish = false")
	}
	if got := r.Stats(); got.Live != 1 || got.Created != 1 || got.Reaped != 0 {
		t.Errorf("Stats after Publish = %+v", got)
	}

	// Double publish must not corrupt the list.
	r.Publish(th)
	if got := r.Stats(); got.Live != 1 || got.Created != 1 {
		t.Errorf("Stats after double Publish = %+v", got)
	}

	if !r.Remove(th) {
		t.Error("Remove = false for a published thread")
	}
	if r.Remove(th) {
		t.Error("second Remove = true")
	}
	if r.Find(th) {
		t.Error("Find after Remove = true")
	}
	if got := r.Stats(); got.Live != 0 || got.Created != 1 || got.Reaped != 1 {
		t.Errorf("Stats after Remove = %+v", got)
	}
	if r.Find(nil) {
		t.Error("Find(nil) = true")
	}
}

func TestRegistryFindByTID(t *testing.T) {
	r := NewRegistry()
	a := newTestThread(t, Attributes{})
	b := newTestThread(t, Attributes{})
	r.Publish(a)
	r.Publish(b)
	atomic.StoreUint32(a.TIDWord(), 101)
	atomic.StoreUint32(b.TIDWord(), 102)

	if got := r.FindByTID(101); got != a {
		t.Errorf("FindByTID(101) = %p, want %p", got, a)
	}
	if got := r.FindByTID(102); got != b {
		t.Errorf("FindByTID(102) = %p, want %p", got, b)
	}
	if got := r.FindByTID(0); got != nil {
		t.Errorf("FindByTID(0) = %p, want nil", got)
	}
	if got := r.FindByTID(999); got != nil {
		t.Errorf("FindByTID(999) = %p, want nil", got)
	}

	// An exited thread reads as id zero and is no longer findable by id.
	atomic.StoreUint32(a.TIDWord(), 0)
	if got := r.FindByTID(101); got != nil {
		t.Errorf("FindByTID after clear = %p, want nil", got)
	}
}

func TestRegistryLiveSnapshot(t *testing.T) {
	r := NewRegistry()
	a := newTestThread(t, Attributes{})
	b := newTestThread(t, Attributes{})
	c := newTestThread(t, Attributes{})
	r.Publish(a)
	r.Publish(b)
	r.Publish(c)
	r.Remove(b)

	live := r.Live()
	if len(live) != 2 || live[0] != c || live[1] != a {
		t.Errorf("Live = %v, want [c a]", live)
	}
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()
	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m, err := mapping.Allocate(0, memsys.PageSize(), layout.Default())
				if err != nil {
					t.Errorf("Allocate: %v", err)
					return
				}
				th := New(Attributes{}, nil, nil, m)
				r.Publish(th)
				if !r.Find(th) {
					t.Error("published thread not findable")
				}
				r.Remove(th)
				th.ReleaseAll()
			}
		}()
	}
	wg.Wait()
	got := r.Stats()
	if got.Live != 0 || got.Created != workers*50 || got.Reaped != workers*50 {
		t.Errorf("final Stats = %+v, want live 0, created/reaped %d", got, workers*50)
	}
}

func TestReleaseAllFreesEveryRegion(t *testing.T) {
	m, err := mapping.Allocate(64*1024, memsys.PageSize(), layout.Default())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	th := New(Attributes{}, nil, nil, m)

	sig, err := memsys.ReserveReadWrite(4 * memsys.PageSize())
	if err != nil {
		t.Fatalf("ReserveReadWrite: %v", err)
	}
	scs, err := memsys.Reserve(16 * memsys.PageSize())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	th.SetSignalStack(sig)
	th.SetShadowStack(scs)

	probes := []uintptr{m.Base(), sig.Base(), scs.Base()}
	for _, p := range probes {
		if !memsys.Mapped(p) {
			t.Fatalf("probe %#x unmapped before release", p)
		}
	}
	if err := th.ReleaseAll(); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	for _, p := range probes {
		if memsys.Mapped(p) {
			t.Errorf("probe %#x still mapped after ReleaseAll", p)
		}
	}
	if err := th.ReleaseAll(); err != nil {
		t.Errorf("second ReleaseAll: %v, want nil", err)
	}
}
