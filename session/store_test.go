package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(clock *fakeClock) *Store {
	return NewStore(WithClock(clock.Now), WithIdleTimeout(10*time.Minute), WithMetrics(nil))
}

func TestStartOverwritesWithoutResidualFields(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	owner := common.Address{1}

	first := store.Start("alice", KindSend, owner)
	recipient := common.Address{2}
	_, err := store.Advance("alice", func(s *Session) error {
		s.Fields.Asset = 2
		s.Fields.Recipient = &recipient
		s.Fields.Amount = uint256.NewInt(500)
		s.Step = StepConfirm
		return nil
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}

	second := store.Start("alice", KindStake, owner)
	if second.Token <= first.Token {
		t.Fatalf("expected token to increase, got %d then %d", first.Token, second.Token)
	}
	got, ok := store.Get("alice")
	if !ok {
		t.Fatalf("expected live session")
	}
	if got.Kind != KindStake || got.Step != StepSelectAsset {
		t.Fatalf("unexpected session %+v", got)
	}
	if got.Fields.Asset != 0 || got.Fields.Recipient != nil || got.Fields.Amount != nil {
		t.Fatalf("residual fields after overwrite: %+v", got.Fields)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one live session, got %d", store.Len())
	}
}

func TestAdvanceDiscardsOnError(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	store.Start("bob", KindSwap, common.Address{1})

	boom := errors.New("boom")
	snap, err := store.Advance("bob", func(s *Session) error {
		s.Fields.Asset = 17508
		s.Step = StepSelectCounterAsset
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	if snap.Step != StepSelectAsset || snap.Fields.Asset != 0 {
		t.Fatalf("expected unchanged snapshot, got %+v", snap)
	}
	got, _ := store.Get("bob")
	if got.Step != StepSelectAsset || got.Fields.Asset != 0 {
		t.Fatalf("partial state committed: %+v", got)
	}
}

func TestRejectedInputKeepsSessionActive(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	store.Start("bob", KindSend, common.Address{1})

	for i := 0; i < 3; i++ {
		clock.Advance(9 * time.Minute)
		if _, err := store.Advance("bob", func(*Session) error { return errors.New("bad amount") }); err == nil {
			t.Fatalf("expected mutator error")
		}
	}
	got, ok := store.Get("bob")
	if !ok {
		t.Fatalf("session expired while the user kept replying")
	}
	if !got.LastActivityAt.Equal(clock.Now()) {
		t.Fatalf("activity not refreshed: %v", got.LastActivityAt)
	}
	if got.Step != StepSelectAsset {
		t.Fatalf("rejected input changed step to %s", got.Step)
	}
}

func TestAdvanceCannotRewriteIdentity(t *testing.T) {
	store := newTestStore(newFakeClock())
	start := store.Start("carol", KindSend, common.Address{1})
	got, err := store.Advance("carol", func(s *Session) error {
		s.Kind = KindSwap
		s.Token = 999
		s.Owner = common.Address{9}
		return nil
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.Kind != KindSend || got.Token != start.Token || got.Owner != start.Owner {
		t.Fatalf("identity rewritten: %+v", got)
	}
}

func TestTerminalStepRemovesSession(t *testing.T) {
	for _, step := range []Step{StepExecuted, StepCancelled, StepFailed} {
		store := newTestStore(newFakeClock())
		store.Start("dave", KindStake, common.Address{1})
		final, err := store.Advance("dave", func(s *Session) error {
			s.Step = step
			return nil
		})
		if err != nil {
			t.Fatalf("advance to %s: %v", step, err)
		}
		if final.Step != step {
			t.Fatalf("expected final step %s, got %s", step, final.Step)
		}
		if _, ok := store.Get("dave"); ok {
			t.Fatalf("session survived terminal step %s", step)
		}
		if _, err := store.Advance("dave", func(*Session) error { return nil }); !errors.Is(err, ErrNoSession) {
			t.Fatalf("expected ErrNoSession after %s, got %v", step, err)
		}
		if store.Len() != 0 {
			t.Fatalf("expected no live sessions after %s", step)
		}
	}
}

func TestIdleExpiryForEveryKindAndStep(t *testing.T) {
	steps := []Step{StepSelectAsset, StepSelectCounterAsset, StepEnterRecipient, StepEnterAmount, StepConfirm}
	for _, kind := range []Kind{KindSend, KindStake, KindSwap} {
		for _, step := range steps {
			clock := newFakeClock()
			store := newTestStore(clock)
			store.Start("erin", kind, common.Address{1})
			if _, err := store.Advance("erin", func(s *Session) error {
				s.Step = step
				return nil
			}); err != nil {
				t.Fatalf("advance: %v", err)
			}

			clock.Advance(10 * time.Minute)
			if _, ok := store.Get("erin"); !ok {
				t.Fatalf("%s/%s: session expired at exactly the timeout", kind, step)
			}
			clock.Advance(10*time.Minute + time.Second)
			if _, ok := store.Get("erin"); ok {
				t.Fatalf("%s/%s: expected session to be expired", kind, step)
			}
			if _, err := store.Advance("erin", func(*Session) error { return nil }); !errors.Is(err, ErrNoSession) {
				t.Fatalf("%s/%s: expected ErrNoSession, got %v", kind, step, err)
			}
			if store.Len() != 0 {
				t.Fatalf("%s/%s: expired session still counted", kind, step)
			}
		}
	}
}

func TestExpireSweepsOnlyIdleSessions(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	store.Start("idle", KindSend, common.Address{1})
	clock.Advance(6 * time.Minute)
	store.Start("busy", KindSwap, common.Address{2})
	clock.Advance(5 * time.Minute)

	if removed := store.Expire(clock.Now()); removed != 1 {
		t.Fatalf("expected one expired session, got %d", removed)
	}
	if _, ok := store.Get("busy"); !ok {
		t.Fatalf("busy session should survive")
	}
	if store.Len() != 1 {
		t.Fatalf("expected one live session, got %d", store.Len())
	}
}

func TestExpireSkipsBusySlots(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	store.Start("idle", KindSend, common.Address{1})
	store.Start("slow", KindSwap, common.Address{2})

	entered := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.Advance("slow", func(s *Session) error {
			close(entered)
			<-unblock
			return nil
		})
	}()
	<-entered

	swept := make(chan int, 1)
	go func() { swept <- store.Expire(clock.Now().Add(time.Hour)) }()
	select {
	case removed := <-swept:
		if removed != 1 {
			t.Fatalf("expected only the idle session to expire, got %d", removed)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expire blocked on a busy slot")
	}
	close(unblock)
	<-done

	if _, ok := store.Get("slow"); !ok {
		t.Fatalf("busy session should survive the sweep")
	}
	if _, ok := store.Get("idle"); ok {
		t.Fatalf("idle session should be gone")
	}
}

func TestEnd(t *testing.T) {
	store := newTestStore(newFakeClock())
	if store.End("nobody") {
		t.Fatalf("expected End to report no session")
	}
	store.Start("frank", KindSend, common.Address{1})
	if !store.End("frank") {
		t.Fatalf("expected End to report a session")
	}
	if _, ok := store.Get("frank"); ok {
		t.Fatalf("session survived End")
	}
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	store := newTestStore(newFakeClock())
	store.Start("gina", KindSend, common.Address{1})
	store.Advance("gina", func(s *Session) error {
		s.Fields.Amount = uint256.NewInt(10)
		return nil
	})
	snap, _ := store.Get("gina")
	snap.Fields.Amount.SetUint64(99)
	again, _ := store.Get("gina")
	if again.Fields.Amount.Uint64() != 10 {
		t.Fatalf("snapshot mutation leaked into store")
	}
}

func TestAdvanceSerialisesPerUser(t *testing.T) {
	store := newTestStore(newFakeClock())
	store.Start("hank", KindSend, common.Address{1})
	store.Advance("hank", func(s *Session) error {
		s.Fields.Amount = uint256.NewInt(0)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Advance("hank", func(s *Session) error {
				s.Fields.Amount.AddUint64(s.Fields.Amount, 1)
				return nil
			})
		}()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			other := string(rune('a' + i%26))
			store.Start(other, KindSwap, common.Address{2})
			store.End(other)
		}(i)
	}
	wg.Wait()
	got, _ := store.Get("hank")
	if got.Fields.Amount.Uint64() != 50 {
		t.Fatalf("lost updates: amount = %d", got.Fields.Amount.Uint64())
	}
}

func TestRunStopsWithContext(t *testing.T) {
	store := NewStore(WithIdleTimeout(time.Millisecond), WithMetrics(nil))
	store.Start("ivy", KindSend, common.Address{1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx, time.Millisecond)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for store.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("janitor did not expire the session")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestParseKind(t *testing.T) {
	for input, want := range map[string]Kind{"send": KindSend, " STAKE ": KindStake, "Swap": KindSwap} {
		got, err := ParseKind(input)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseKind("bridge"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
