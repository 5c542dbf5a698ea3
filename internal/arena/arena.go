// Package arena provides ownership-tracked byte buffers for request bodies.
//
// Buffers are handed out as generation-checked Handles. Releasing a buffer
// zeroes it, bumps its generation and parks the backing array in a free pool
// keyed by size class; every later use of the old Handle fails with
// fault.StaleBuffer instead of touching reused memory.
package arena

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FumingPower3925/ingress/internal/fault"
)

// Config defines the arena limits.
type Config struct {
	BufferSize    int           // Smallest size class; rounded up to a power of two
	MaxBuffers    int           // Maximum checked-out buffers (0 means unlimited)
	MaxPooledSize int           // Buffers above this capacity are not pooled
	MaxBufferSize int           // Growth above MaxPooledSize stops doubling here (0 means unlimited)
	TTL           time.Duration // Idle time before a pooled buffer is dropped
	Logger        *zap.Logger
	Now           func() time.Time
}

// DefaultConfig returns the arena defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:    8192,
		MaxBuffers:    400,
		MaxPooledSize: 16 << 20,
		TTL:           60 * time.Second,
		Logger:        zap.NewNop(),
		Now:           time.Now,
	}
}

// Handle identifies one checkout of a buffer. The zero Handle is never valid.
type Handle struct {
	idx uint32
	gen uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string { return fmt.Sprintf("buf#%d.%d", h.idx, h.gen) }

type slot struct {
	buf       []byte
	n         int    // logical length
	owner     uint64 // 0 while free
	gen       uint32
	idleSince time.Time
}

// Stats is a point-in-time view of the arena.
type Stats struct {
	Live     int    // checked-out buffers
	Idle     int    // pooled buffers ready for reuse
	Slots    int    // slot table size
	Acquired uint64 // total successful Acquire calls
	Evicted  uint64 // total pooled buffers dropped by Evict
}

// Arena owns reusable byte buffers.
type Arena struct {
	mu       sync.Mutex
	cfg      Config
	minClass int
	slots    []slot
	vacant   []uint32         // slots without a backing array
	free     map[int][]uint32 // capacity -> pooled slots
	live     int
	idle     int
	acquired uint64
	evicted  uint64
}

// New creates an Arena. Zero config fields take their defaults.
func New(cfg Config) *Arena {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MaxPooledSize <= 0 {
		cfg.MaxPooledSize = def.MaxPooledSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Arena{
		cfg:      cfg,
		minClass: roundPow2(cfg.BufferSize),
		free:     make(map[int][]uint32),
	}
}

// Acquire checks out an empty buffer for owner with room for at least
// sizeHint bytes.
func (a *Arena) Acquire(owner uint64, sizeHint int) (Handle, error) {
	if owner == 0 {
		return Handle{}, fault.New(fault.InvalidState, "arena.acquire", "owner id 0 is reserved")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.MaxBuffers > 0 && a.live >= a.cfg.MaxBuffers {
		return Handle{}, fault.Newf(fault.CapacityExceeded, "arena.acquire", "%d buffers checked out", a.live)
	}

	class := a.classFor(sizeHint)
	idx, buf := a.take(class)
	s := &a.slots[idx]
	if buf == nil {
		buf = make([]byte, class)
	}
	s.buf = buf
	s.n = 0
	s.owner = owner
	a.live++
	a.acquired++
	return Handle{idx: idx, gen: s.gen}, nil
}

// Release zeroes the buffer, bumps its generation and returns it to the pool.
func (a *Arena) Release(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h, "arena.release")
	if err != nil {
		return err
	}
	clear(s.buf)
	s.n = 0
	s.owner = 0
	s.gen = nextGen(s.gen)
	a.live--
	a.park(h.idx)
	return nil
}

// Append copies p to the end of the buffer, growing it into a larger size
// class when needed.
func (a *Arena) Append(h Handle, p []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h, "arena.append")
	if err != nil {
		return err
	}
	if need := s.n + len(p); need > len(s.buf) {
		a.grow(h.idx, need)
		s = &a.slots[h.idx]
	}
	s.n += copy(s.buf[s.n:], p)
	return nil
}

// Grow ensures the buffer can hold n bytes without another reallocation.
func (a *Arena) Grow(h Handle, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h, "arena.grow")
	if err != nil {
		return err
	}
	if n > len(s.buf) {
		a.grow(h.idx, n)
	}
	return nil
}

// Bytes returns a view of the buffer's logical contents. The view is only
// valid until the handle is released; use Copy for data that must outlive it.
func (a *Arena) Bytes(h Handle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h, "arena.bytes")
	if err != nil {
		return nil, err
	}
	return s.buf[:s.n:s.n], nil
}

// Copy returns a private copy of the buffer's logical contents.
func (a *Arena) Copy(h Handle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h, "arena.copy")
	if err != nil {
		return nil, err
	}
	out := make([]byte, s.n)
	copy(out, s.buf[:s.n])
	return out, nil
}

// Len returns the logical length of the buffer.
func (a *Arena) Len(h Handle) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h, "arena.len")
	if err != nil {
		return 0, err
	}
	return s.n, nil
}

// Cap returns the capacity of the buffer's current size class.
func (a *Arena) Cap(h Handle) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h, "arena.cap")
	if err != nil {
		return 0, err
	}
	return len(s.buf), nil
}

// Owner returns the connection id that holds the buffer.
func (a *Arena) Owner(h Handle) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h, "arena.owner")
	if err != nil {
		return 0, err
	}
	return s.owner, nil
}

// Evict drops pooled buffers idle for longer than the TTL and returns how
// many were dropped. Checked-out buffers are never touched.
func (a *Arena) Evict(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := 0
	for class, list := range a.free {
		kept := list[:0]
		for _, idx := range list {
			s := &a.slots[idx]
			if s.owner != 0 || now.Sub(s.idleSince) < a.cfg.TTL {
				kept = append(kept, idx)
				continue
			}
			s.buf = nil
			a.vacant = append(a.vacant, idx)
			dropped++
		}
		if len(kept) == 0 {
			delete(a.free, class)
		} else {
			a.free[class] = kept
		}
	}
	a.idle -= dropped
	a.evicted += uint64(dropped)
	if dropped > 0 {
		a.cfg.Logger.Debug("arena evicted idle buffers", zap.Int("count", dropped), zap.Int("idle", a.idle))
	}
	return dropped
}

// Run evicts idle buffers every TTL/2 until ctx is done.
func (a *Arena) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Evict(a.cfg.Now())
		}
	}
}

// Stats returns a snapshot of arena usage.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Live:     a.live,
		Idle:     a.idle,
		Slots:    len(a.slots),
		Acquired: a.acquired,
		Evicted:  a.evicted,
	}
}

// Writer returns an io.Writer that appends to the buffer behind h.
func (a *Arena) Writer(h Handle) *Writer {
	return &Writer{arena: a, handle: h}
}

// Writer appends to one arena buffer.
type Writer struct {
	arena  *Arena
	handle Handle
}

func (w *Writer) Write(p []byte) (int, error) {
	if err := w.arena.Append(w.handle, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Handle returns the handle the writer appends to.
func (w *Writer) Handle() Handle { return w.handle }

// lookup validates h; the caller holds a.mu.
func (a *Arena) lookup(h Handle, op string) (*slot, error) {
	if h.gen == 0 || int(h.idx) >= len(a.slots) {
		return nil, fault.Newf(fault.StaleBuffer, op, "unknown handle %s", h)
	}
	s := &a.slots[h.idx]
	if s.gen != h.gen || s.owner == 0 {
		return nil, fault.Newf(fault.StaleBuffer, op, "handle %s released (current generation %d)", h, s.gen)
	}
	return s, nil
}

// take pops a pooled slot of the given class, or a vacant/new slot with a
// nil backing array.
func (a *Arena) take(class int) (uint32, []byte) {
	if list := a.free[class]; len(list) > 0 {
		idx := list[len(list)-1]
		a.free[class] = list[:len(list)-1]
		a.idle--
		return idx, a.slots[idx].buf
	}
	return a.vacantSlot(), nil
}

func (a *Arena) vacantSlot() uint32 {
	if n := len(a.vacant); n > 0 {
		idx := a.vacant[n-1]
		a.vacant = a.vacant[:n-1]
		return idx
	}
	a.slots = append(a.slots, slot{gen: 1})
	return uint32(len(a.slots) - 1)
}

// park puts a released slot on its class free list, or drops the backing
// array when it is too large to pool.
func (a *Arena) park(idx uint32) {
	s := &a.slots[idx]
	c := len(s.buf)
	if c == 0 || c > a.cfg.MaxPooledSize {
		s.buf = nil
		a.vacant = append(a.vacant, idx)
		return
	}
	s.idleSince = a.cfg.Now()
	a.free[c] = append(a.free[c], idx)
	a.idle++
}

// grow moves the contents of slot idx into a buffer of a class that holds
// need bytes. The old backing array is zeroed and pooled under a spare slot
// so the live handle keeps its index and generation.
func (a *Arena) grow(idx uint32, need int) {
	class := a.classFor(need)
	if class > a.cfg.MaxPooledSize {
		// Unpooled buffers double so repeated appends stay linear overall.
		class = max(class, 2*len(a.slots[idx].buf))
		if limit := a.cfg.MaxBufferSize; limit > 0 && class > limit {
			class = max(need, limit)
		}
	}
	spare, buf := a.take(class)
	if buf == nil {
		buf = make([]byte, class)
	}
	s := &a.slots[idx]
	copy(buf, s.buf[:s.n])
	old := s.buf
	s.buf = buf

	clear(old)
	sp := &a.slots[spare]
	sp.buf = old
	sp.n = 0
	sp.owner = 0
	a.park(spare)
}

func (a *Arena) classFor(n int) int {
	if n <= a.minClass {
		return a.minClass
	}
	if n > a.cfg.MaxPooledSize {
		return n
	}
	return roundPow2(n)
}

func roundPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func nextGen(g uint32) uint32 {
	g++
	if g == 0 {
		g = 1
	}
	return g
}
