package isolate_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/judicia/isolate-box/isolate"
)

func TestPoolHandsOutDistinctIDs(t *testing.T) {
	pool := isolate.NewBoxPool(4)
	ctx := context.Background()

	var slots []*isolate.Slot
	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		s, err := pool.Acquire(ctx)
		require.NoError(t, err)
		require.False(t, seen[s.ID()], "id %d handed out twice", s.ID())
		seen[s.ID()] = true
		slots = append(slots, s)
	}
	require.ElementsMatch(t, []int{0, 1, 2, 3}, pool.Held())
	for _, s := range slots {
		s.Release()
	}
	require.Empty(t, pool.Held())
}

// Hammer a small pool from many goroutines; at no instant may two holders
// share an id.
func TestPoolMutualExclusion(t *testing.T) {
	const n = 3
	pool := isolate.NewBoxPool(n)
	var holders [n]atomic.Int32

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				s, err := pool.Acquire(ctx)
				if err != nil {
					return err
				}
				if holders[s.ID()].Add(1) != 1 {
					t.Errorf("box %d held twice", s.ID())
				}
				holders[s.ID()].Add(-1)
				s.Release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestPoolFIFOFairness(t *testing.T) {
	pool := isolate.NewBoxPool(1)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			s, err := pool.Acquire(ctx)
			if err != nil {
				return
			}
			order <- i
			s.Release()
		}()
		// Give each waiter time to enqueue before the next arrives.
		time.Sleep(50 * time.Millisecond)
	}

	first.Release()
	for want := 0; want < 3; want++ {
		select {
		case got := <-order:
			require.Equal(t, want, got, "waiters served out of order")
		case <-time.After(5 * time.Second):
			t.Fatal("waiter starved")
		}
	}
}

func TestAcquireIDOutOfRange(t *testing.T) {
	pool := isolate.NewBoxPool(8)
	_, err := pool.AcquireID(context.Background(), 8)
	require.True(t, isolate.IsKind(err, isolate.ErrInvalidSlotID))
	_, err = pool.AcquireID(context.Background(), -1)
	require.True(t, isolate.IsKind(err, isolate.ErrInvalidSlotID))
}

func TestAcquireIDBlocksUntilReleased(t *testing.T) {
	pool := isolate.NewBoxPool(4)
	ctx := context.Background()

	held, err := pool.AcquireID(ctx, 2)
	require.NoError(t, err)

	got := make(chan *isolate.Slot, 1)
	go func() {
		s, err := pool.AcquireID(ctx, 2)
		if err == nil {
			got <- s
		}
	}()

	select {
	case <-got:
		t.Fatal("acquired a held id")
	case <-time.After(100 * time.Millisecond):
	}

	held.Release()
	select {
	case s := <-got:
		require.Equal(t, 2, s.ID())
		s.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("specific waiter never woke")
	}
}

func TestAcquireCancellation(t *testing.T) {
	pool := isolate.NewBoxPool(1)
	bg := context.Background()

	held, err := pool.Acquire(bg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.True(t, isolate.IsKind(err, isolate.ErrCanceled))
	case <-time.After(5 * time.Second):
		t.Fatal("canceled waiter never returned")
	}

	// The canceled waiter must not have consumed the slot.
	held.Release()
	s, err := pool.Acquire(bg)
	require.NoError(t, err)
	s.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	pool := isolate.NewBoxPool(2)
	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	s.Release()
	s.Release() // must not double-free the id

	a, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())
}

func TestHeldSince(t *testing.T) {
	pool := isolate.NewBoxPool(1)
	_, ok := pool.HeldSince(0)
	require.False(t, ok)

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	since, ok := pool.HeldSince(s.ID())
	require.True(t, ok)
	require.WithinDuration(t, time.Now(), since, time.Minute)
	s.Release()
}
