package character

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neuralcord/persona/internal/ratelimit"
)

type staticAuth struct{ cred string }

func (a staticAuth) Credential() string { return a.cred }

func newTestRegistry(backend Backend, authed bool) *Registry {
	cred := ""
	if authed {
		cred = "cred"
	}
	limiter := ratelimit.New(map[string]ratelimit.Config{
		BucketKey: {Capacity: 100, RefillPerSec: 100},
	})
	return NewRegistry(backend, staticAuth{cred}, limiter, time.Second)
}

func TestGetOrCreateRequiresAuth(t *testing.T) {
	backend := &fakeBackend{}
	reg := newTestRegistry(backend, false)

	_, err := reg.GetOrCreate(context.Background(), "char1", "guild1")
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
	if backend.createCalls.Load() != 0 {
		t.Fatalf("backend called %d times, want 0", backend.createCalls.Load())
	}
}

func TestGetOrCreateSingleRemoteSession(t *testing.T) {
	backend := &fakeBackend{}
	reg := newTestRegistry(backend, true)

	const workers = 16
	var wg sync.WaitGroup
	handles := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.GetOrCreate(context.Background(), "char1", "guild1")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			handles[i] = s.Handle
		}(i)
	}
	wg.Wait()

	if got := backend.createCalls.Load(); got != 1 {
		t.Fatalf("backend.CreateSession called %d times, want exactly 1", got)
	}
	for i := 1; i < workers; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("worker %d got handle %q, want %q", i, handles[i], handles[0])
		}
	}
}

func TestGetOrCreateDistinctPairs(t *testing.T) {
	backend := &fakeBackend{}
	reg := newTestRegistry(backend, true)

	ctx := context.Background()
	if _, err := reg.GetOrCreate(ctx, "char1", "guild1"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.GetOrCreate(ctx, "char1", "guild2"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.GetOrCreate(ctx, "char2", "guild1"); err != nil {
		t.Fatal(err)
	}
	if got := backend.createCalls.Load(); got != 3 {
		t.Fatalf("backend.CreateSession called %d times, want 3", got)
	}
}

func TestGetOrCreateBackendFailure(t *testing.T) {
	backend := &fakeBackend{createErr: errors.New("boom")}
	reg := newTestRegistry(backend, true)

	_, err := reg.GetOrCreate(context.Background(), "char1", "guild1")
	var serr *SessionError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *SessionError", err)
	}
	if serr.Op != "create" || serr.CharacterID != "char1" {
		t.Fatalf("unexpected SessionError fields: %+v", serr)
	}

	// A failed create must not leave a phantom session behind.
	if s := reg.Get("char1", "guild1"); s != nil {
		t.Fatal("phantom session registered after failed create")
	}
}

func TestSendUpdatesLastUsed(t *testing.T) {
	backend := &fakeBackend{reply: "hi there"}
	reg := newTestRegistry(backend, true)

	ctx := context.Background()
	s, err := reg.GetOrCreate(ctx, "char1", "guild1")
	if err != nil {
		t.Fatal(err)
	}
	before := s.LastUsedAt

	time.Sleep(5 * time.Millisecond)
	reply, err := reg.Send(ctx, "char1", "guild1", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("reply = %q", reply)
	}
	if !s.LastUsedAt.After(before) {
		t.Fatal("LastUsedAt not advanced after successful send")
	}
}

func TestSendWithoutSession(t *testing.T) {
	reg := newTestRegistry(&fakeBackend{}, true)
	if _, err := reg.Send(context.Background(), "char1", "guild1", "hi"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestDeleteRemovesLocalDespiteRemoteFailure(t *testing.T) {
	backend := &fakeBackend{}
	reg := newTestRegistry(backend, true)

	ctx := context.Background()
	if _, err := reg.GetOrCreate(ctx, "char1", "guild1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete(ctx, "char1", "guild1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if reg.Get("char1", "guild1") != nil {
		t.Fatal("session still present after Delete")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	backend := &fakeBackend{}
	reg := newTestRegistry(backend, true)

	ctx := context.Background()
	if _, err := reg.GetOrCreate(ctx, "char1", "guild1"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.GetOrCreate(ctx, "char2", "guild1"); err != nil {
		t.Fatal(err)
	}

	snap := reg.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d sessions, want 2", len(snap))
	}

	fresh := newTestRegistry(backend, true)
	fresh.Restore(snap)
	if fresh.Get("char1", "guild1") == nil || fresh.Get("char2", "guild1") == nil {
		t.Fatal("restored registry missing sessions")
	}
	if got := backend.createCalls.Load(); got != 2 {
		t.Fatalf("restore triggered backend calls: %d total, want 2", got)
	}
}
