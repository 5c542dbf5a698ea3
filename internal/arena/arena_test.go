package arena

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FumingPower3925/ingress/internal/fault"
)

func newTestArena(t *testing.T, mutate func(*Config)) *Arena {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BufferSize = 64
	cfg.MaxPooledSize = 1024
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestAcquireAppendCopy(t *testing.T) {
	a := newTestArena(t, nil)

	h, err := a.Acquire(7, 10)
	require.NoError(t, err)
	assert.False(t, h.IsZero())

	require.NoError(t, a.Append(h, []byte("hello ")))
	require.NoError(t, a.Append(h, []byte("world")))

	got, err := a.Copy(h)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	n, err := a.Len(h)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	c, err := a.Cap(h)
	require.NoError(t, err)
	assert.Equal(t, 64, c)

	owner, err := a.Owner(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), owner)
}

func TestAcquireRejectsReservedOwner(t *testing.T) {
	a := newTestArena(t, nil)
	_, err := a.Acquire(0, 1)
	assert.True(t, fault.Is(err, fault.InvalidState))
}

func TestAppendGrowsAcrossClasses(t *testing.T) {
	a := newTestArena(t, nil)
	h, err := a.Acquire(1, 0)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("x"), 300)
	require.NoError(t, a.Append(h, payload[:40]))
	require.NoError(t, a.Append(h, payload[40:]))

	c, err := a.Cap(h)
	require.NoError(t, err)
	assert.Equal(t, 512, c)

	got, err := a.Bytes(h)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// the 64-byte backing array went back to the pool zeroed
	st := a.Stats()
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, 1, st.Idle)
}

func TestReleaseZeroesAndReuses(t *testing.T) {
	a := newTestArena(t, nil)
	h1, err := a.Acquire(1, 8)
	require.NoError(t, err)
	require.NoError(t, a.Append(h1, []byte("secret")))
	require.NoError(t, a.Release(h1))

	h2, err := a.Acquire(2, 8)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "reused slot must carry a new generation")

	raw := a.slots[h2.idx].buf
	assert.Equal(t, make([]byte, len(raw)), raw, "reused buffer must be zeroed")

	got, err := a.Copy(h2)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStaleHandleFailsEveryOperation(t *testing.T) {
	a := newTestArena(t, nil)
	h, err := a.Acquire(3, 16)
	require.NoError(t, err)
	require.NoError(t, a.Release(h))

	// another owner now holds the same memory
	other, err := a.Acquire(4, 16)
	require.NoError(t, err)
	require.NoError(t, a.Append(other, []byte("mine")))

	ops := map[string]func() error{
		"release": func() error { return a.Release(h) },
		"append":  func() error { return a.Append(h, []byte("x")) },
		"grow":    func() error { return a.Grow(h, 4096) },
		"bytes":   func() error { _, err := a.Bytes(h); return err },
		"copy":    func() error { _, err := a.Copy(h); return err },
		"len":     func() error { _, err := a.Len(h); return err },
		"cap":     func() error { _, err := a.Cap(h); return err },
		"owner":   func() error { _, err := a.Owner(h); return err },
		"write":   func() error { _, err := a.Writer(h).Write([]byte("x")); return err },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			assert.True(t, fault.Is(op(), fault.StaleBuffer))
		})
	}

	got, err := a.Copy(other)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(got))
}

func TestZeroHandleIsStale(t *testing.T) {
	a := newTestArena(t, nil)
	_, err := a.Len(Handle{})
	assert.True(t, fault.Is(err, fault.StaleBuffer))
}

func TestRandomizedAcquireRelease(t *testing.T) {
	a := newTestArena(t, func(c *Config) { c.MaxBuffers = 0 })
	rng := rand.New(rand.NewSource(42))

	var live []Handle
	var released []Handle
	for i := 0; i < 2000; i++ {
		if len(live) == 0 || rng.Intn(3) > 0 {
			h, err := a.Acquire(uint64(rng.Intn(50)+1), rng.Intn(2048))
			require.NoError(t, err)
			require.NoError(t, a.Append(h, bytes.Repeat([]byte{byte(i)}, rng.Intn(100))))
			live = append(live, h)
			continue
		}
		j := rng.Intn(len(live))
		h := live[j]
		live = append(live[:j], live[j+1:]...)
		require.NoError(t, a.Release(h))
		released = append(released, h)
	}

	for _, h := range released {
		_, err := a.Bytes(h)
		require.True(t, fault.Is(err, fault.StaleBuffer), "handle %s should be stale", h)
		require.True(t, fault.Is(a.Append(h, []byte("x")), fault.StaleBuffer))
	}
	for _, h := range live {
		_, err := a.Len(h)
		require.NoError(t, err)
	}
	assert.Equal(t, len(live), a.Stats().Live)
}

func TestCapacityExceeded(t *testing.T) {
	a := newTestArena(t, func(c *Config) { c.MaxBuffers = 2 })
	h1, err := a.Acquire(1, 1)
	require.NoError(t, err)
	_, err = a.Acquire(1, 1)
	require.NoError(t, err)

	_, err = a.Acquire(2, 1)
	assert.True(t, fault.Is(err, fault.CapacityExceeded))

	require.NoError(t, a.Release(h1))
	_, err = a.Acquire(2, 1)
	assert.NoError(t, err)
}

func TestEvictSkipsCheckedOut(t *testing.T) {
	now := time.Unix(1000, 0)
	a := newTestArena(t, func(c *Config) {
		c.TTL = time.Minute
		c.Now = func() time.Time { return now }
	})

	held, err := a.Acquire(1, 8)
	require.NoError(t, err)
	idle, err := a.Acquire(2, 8)
	require.NoError(t, err)
	require.NoError(t, a.Release(idle))

	assert.Equal(t, 0, a.Evict(now.Add(30*time.Second)))
	assert.Equal(t, 1, a.Evict(now.Add(2*time.Minute)))

	st := a.Stats()
	assert.Equal(t, 0, st.Idle)
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, uint64(1), st.Evicted)

	require.NoError(t, a.Append(held, []byte("still here")))
	got, err := a.Copy(held)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(got))
}

func TestOversizedBuffersAreNotPooled(t *testing.T) {
	a := newTestArena(t, nil)
	h, err := a.Acquire(1, 4096)
	require.NoError(t, err)
	c, err := a.Cap(h)
	require.NoError(t, err)
	assert.Equal(t, 4096, c)

	require.NoError(t, a.Release(h))
	assert.Equal(t, 0, a.Stats().Idle)
}

func TestUnpooledGrowthDoubles(t *testing.T) {
	a := newTestArena(t, nil)
	h, err := a.Acquire(1, 1024)
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte("x"), 100)
	grows := 0
	last := 1024
	for i := 0; i < 1000; i++ {
		require.NoError(t, a.Append(h, chunk))
		c, err := a.Cap(h)
		require.NoError(t, err)
		if c != last {
			assert.GreaterOrEqual(t, c, 2*last, "growth from %d", last)
			grows++
			last = c
		}
	}
	n, err := a.Len(h)
	require.NoError(t, err)
	assert.Equal(t, 100000, n)
	// 1024 doubling to cover 100000 bytes takes 7 steps, not one per append.
	assert.LessOrEqual(t, grows, 7)
}

func TestUnpooledGrowthStopsAtMaxBufferSize(t *testing.T) {
	a := newTestArena(t, func(c *Config) { c.MaxBufferSize = 3000 })
	h, err := a.Acquire(1, 2048)
	require.NoError(t, err)

	require.NoError(t, a.Append(h, bytes.Repeat([]byte("y"), 2100)))
	c, err := a.Cap(h)
	require.NoError(t, err)
	assert.Equal(t, 3000, c)

	// A buffer may still exceed the ceiling when the data requires it.
	require.NoError(t, a.Append(h, bytes.Repeat([]byte("z"), 1000)))
	c, err = a.Cap(h)
	require.NoError(t, err)
	assert.Equal(t, 3100, c)

	got, err := a.Copy(h)
	require.NoError(t, err)
	assert.Equal(t, 3100, len(got))
	assert.Equal(t, byte('z'), got[3099])
}
