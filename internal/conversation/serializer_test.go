package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializer_OrderPerKey(t *testing.T) {
	s := NewSerializer(0)
	var (
		mu  sync.Mutex
		got = map[string][]int{}
	)
	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b"} {
			i, key := i, key
			require.NoError(t, s.Submit(key, func() {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}))
		}
	}
	s.Close()

	for _, key := range []string{"a", "b"} {
		require.Len(t, got[key], 50)
		for i, v := range got[key] {
			assert.Equal(t, i, v)
		}
	}
	assert.Equal(t, 0, s.Lanes(), "idle lanes are retired")
	assert.ErrorIs(t, s.Submit("a", func() {}), ErrSerializerClosed)
}

func TestSerializer_CapacityAndPanic(t *testing.T) {
	s := NewSerializer(1)
	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Submit("k", func() {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, s.Submit("k", func() { panic("boom") }))
	assert.ErrorIs(t, s.Submit("k", func() {}), ErrLaneFull)
	close(block)

	require.NoError(t, s.Do(context.Background(), "k", func() {}))
	s.Close()
}

func TestSerializer_DoHonorsContext(t *testing.T) {
	s := NewSerializer(0)
	defer s.Close()
	release := make(chan struct{})
	require.NoError(t, s.Submit("k", func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ran := make(chan struct{})
	err := s.Do(ctx, "k", func() { close(ran) })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queued task did not run after the caller gave up")
	}
}
