package artifact_test

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/judicia/isolate-box/internal/artifact"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte("\x7fELF pretend binary with some repetitive content content content")
	key := artifact.Key([]byte("int main(){}"))

	_, ok, err := store.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put(key, payload))

	got, ok, err := store.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload, got)
}

func TestKeyIsStable(t *testing.T) {
	require.Equal(t, artifact.Key([]byte("abc")), artifact.Key([]byte("abc")))
	require.NotEqual(t, artifact.Key([]byte("abc")), artifact.Key([]byte("abd")))
	require.Len(t, artifact.Key(nil), 64)
}

func TestGetOrComputeDeduplicates(t *testing.T) {
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	var computes atomic.Int32
	key := artifact.Key([]byte("source"))

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			out, err := store.GetOrCompute(key, func() ([]byte, error) {
				computes.Add(1)
				return []byte("artifact"), nil
			})
			if err != nil {
				return err
			}
			if string(out) != "artifact" {
				return fmt.Errorf("wrong artifact: %q", out)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), computes.Load(), "compute ran more than once for one key")

	// A later call hits the disk cache, not the compute func.
	out, err := store.GetOrCompute(key, func() ([]byte, error) {
		computes.Add(1)
		return nil, fmt.Errorf("must not run")
	})
	require.NoError(t, err)
	require.Equal(t, "artifact", string(out))
	require.Equal(t, int32(1), computes.Load())
}

func TestGetOrComputePropagatesError(t *testing.T) {
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	boom := fmt.Errorf("compiler exploded")
	_, err = store.GetOrCompute("k", func() ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	// Failure is not cached.
	out, err := store.GetOrCompute("k", func() ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	require.Equal(t, "ok", string(out))
}
