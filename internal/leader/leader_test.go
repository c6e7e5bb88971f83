package leader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisElection(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	e, err := NewRedis(context.Background(), client, RedisOptions{
		LeaseTTL:      300 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	return e, mr
}

func mustElector(t *testing.T, e Election, name string) Elector {
	t.Helper()
	el, err := e.Elector(name)
	if err != nil {
		t.Fatalf("Elector(%q): %v", name, err)
	}
	return el
}

func awaitLeadership(t *testing.T, el Elector) <-chan struct{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	term, err := el.AwaitLeadership(ctx)
	if err != nil {
		t.Fatalf("AwaitLeadership: %v", err)
	}
	return term
}

func awaitErr(ctx context.Context, el Elector) error {
	_, err := el.AwaitLeadership(ctx)
	return err
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: not closed", what)
	}
}

func runElectionTests(t *testing.T, newElection func(t *testing.T) Election) {
	t.Run("SingleLeader", func(t *testing.T) {
		e := newElection(t)
		a := mustElector(t, e, "room")
		b := mustElector(t, e, "room")
		defer a.Die()
		defer b.Die()

		awaitLeadership(t, a)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		if err := awaitErr(ctx, b); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("second AwaitLeadership: err = %v, want deadline exceeded", err)
		}
		if !a.IsLeader() || b.IsLeader() {
			t.Fatalf("IsLeader: a=%v b=%v, want a only", a.IsLeader(), b.IsLeader())
		}
	})

	t.Run("HasLeader", func(t *testing.T) {
		e := newElection(t)
		a := mustElector(t, e, "room")
		b := mustElector(t, e, "room")
		defer a.Die()
		defer b.Die()

		awaitLeadership(t, a)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.HasLeader(ctx); err != nil {
			t.Fatalf("HasLeader: %v", err)
		}
		if b.IsLeader() {
			t.Fatal("follower reports leadership")
		}
	})

	t.Run("TransferOnDie", func(t *testing.T) {
		e := newElection(t)
		a := mustElector(t, e, "room")
		b := mustElector(t, e, "room")
		defer b.Die()

		term := awaitLeadership(t, a)

		done := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			done <- awaitErr(ctx, b)
		}()

		time.Sleep(50 * time.Millisecond)
		if err := a.Die(); err != nil {
			t.Fatalf("Die: %v", err)
		}
		waitClosed(t, term, "term of dead leader")
		if err := <-done; err != nil {
			t.Fatalf("AwaitLeadership after leader died: %v", err)
		}
		if a.IsLeader() {
			t.Fatal("dead elector still leads")
		}
		if !b.IsLeader() {
			t.Fatal("successor does not lead")
		}
	})

	t.Run("NamesAreIndependent", func(t *testing.T) {
		e := newElection(t)
		a := mustElector(t, e, "one")
		b := mustElector(t, e, "two")
		defer a.Die()
		defer b.Die()

		awaitLeadership(t, a)
		awaitLeadership(t, b)
	})

	t.Run("AwaitAfterDie", func(t *testing.T) {
		e := newElection(t)
		a := mustElector(t, e, "room")
		if err := a.Die(); err != nil {
			t.Fatalf("Die: %v", err)
		}
		if err := awaitErr(context.Background(), a); !errors.Is(err, ErrDead) {
			t.Fatalf("err = %v, want ErrDead", err)
		}
		if err := a.Die(); err != nil {
			t.Fatalf("second Die: %v", err)
		}
	})

	t.Run("DieWhileWaiting", func(t *testing.T) {
		e := newElection(t)
		a := mustElector(t, e, "room")
		b := mustElector(t, e, "room")
		defer a.Die()

		awaitLeadership(t, a)

		done := make(chan error, 1)
		go func() { done <- awaitErr(context.Background(), b) }()
		time.Sleep(50 * time.Millisecond)
		b.Die()

		select {
		case err := <-done:
			if !errors.Is(err, ErrDead) {
				t.Fatalf("err = %v, want ErrDead", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("AwaitLeadership did not return after Die")
		}
	})
}

func TestMemory(t *testing.T) {
	runElectionTests(t, func(t *testing.T) Election { return NewMemory() })
}

func TestRedis(t *testing.T) {
	runElectionTests(t, func(t *testing.T) Election {
		e, _ := newRedisElection(t)
		return e
	})
}

func TestMemoryHolder(t *testing.T) {
	m := NewMemory()
	a := mustElector(t, m, "room")
	if _, ok := m.Holder("room"); ok {
		t.Fatal("holder before any campaign")
	}
	awaitLeadership(t, a)
	if id, ok := m.Holder("room"); !ok || id == "" {
		t.Fatalf("Holder = %q, %v", id, ok)
	}
	a.Die()
	if _, ok := m.Holder("room"); ok {
		t.Fatal("holder after Die")
	}
}

func TestRedisCrashedLeaderExpires(t *testing.T) {
	e, mr := newRedisElection(t)

	// A lease left behind by a context that crashed without releasing it.
	if err := mr.Set(KeyPrefix+"room", "crashed"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.SetTTL(KeyPrefix+"room", 300*time.Millisecond)

	b := mustElector(t, e, "room")
	defer b.Die()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- awaitErr(ctx, b)
	}()

	time.Sleep(50 * time.Millisecond)
	if b.IsLeader() {
		t.Fatal("took leadership while the stale lease was live")
	}
	mr.FastForward(time.Second)

	if err := <-done; err != nil {
		t.Fatalf("AwaitLeadership: %v", err)
	}
}

func TestRedisDieReleasesOnlyOwnLease(t *testing.T) {
	e, mr := newRedisElection(t)
	a := mustElector(t, e, "room")
	awaitLeadership(t, a)

	// Someone else now owns the key; Die must not delete it.
	mr.Set(KeyPrefix+"room", "other")
	if err := a.Die(); err != nil {
		t.Fatalf("Die: %v", err)
	}
	got, err := mr.Get(KeyPrefix + "room")
	if err != nil || got != "other" {
		t.Fatalf("lease = %q, %v; want other", got, err)
	}
}

func TestMemoryHasLeaderLeavesNoClaim(t *testing.T) {
	m := NewMemory()
	b := mustElector(t, m, "quiet")
	defer b.Die()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.HasLeader(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("HasLeader: err = %v, want deadline exceeded", err)
	}

	m.mu.Lock()
	n := len(m.claims)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("claims = %d after a follower-only wait, want 0", n)
	}
}

func TestMemoryWaiterDieLeavesNoClaim(t *testing.T) {
	m := NewMemory()
	a := mustElector(t, m, "room")
	b := mustElector(t, m, "room")
	awaitLeadership(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	awaitErr(ctx, b)

	a.Die()
	b.Die()

	m.mu.Lock()
	n := len(m.claims)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("claims = %d after every elector died, want 0", n)
	}
}

func TestRedisLostLeaseEndsTerm(t *testing.T) {
	e, mr := newRedisElection(t)
	a := mustElector(t, e, "room")
	defer a.Die()

	term := awaitLeadership(t, a)

	// Another context took the key, so the next renewal finds it foreign.
	mr.Set(KeyPrefix+"room", "other")
	waitClosed(t, term, "term after lease loss")
	if a.IsLeader() {
		t.Fatal("IsLeader after the lease was lost")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := awaitErr(ctx, a); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitLeadership while another holds the key: err = %v", err)
	}

	mr.Del(KeyPrefix + "room")
	next := awaitLeadership(t, a)
	if !a.IsLeader() {
		t.Fatal("IsLeader false after re-election")
	}
	select {
	case <-next:
		t.Fatal("new term already closed")
	default:
	}
}

func TestRedisUnrenewableLeaseEndsTerm(t *testing.T) {
	e, mr := newRedisElection(t)
	a := mustElector(t, e, "room")

	term := awaitLeadership(t, a)
	mr.Close()

	waitClosed(t, term, "term after renewals kept failing")
	if a.IsLeader() {
		t.Fatal("IsLeader after the lease could not be renewed")
	}
	a.Die()
}
