package sim

import (
	"fmt"
	"sync"

	"engined/internal/accel"
)

const (
	basePtr   accel.DevicePtr = 0x7f0000000000
	alignment                 = 256
	// streamDepth bounds the number of queued but unexecuted operations.
	streamDepth = 64
)

// Stats is a snapshot of device bookkeeping.
type Stats struct {
	Allocs           int64
	Frees            int64
	StreamsCreated   int64
	StreamsDestroyed int64
	LiveAllocations  int
	BytesInUse       int64
	Capacity         int64
}

// Device emulates accelerator memory with host-backed allocations. Pointers
// are opaque; they are never dereferenced by callers.
type Device struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	next     accel.DevicePtr
	allocs   map[accel.DevicePtr][]byte
	stats    Stats
}

// NewDevice creates a device with capacity bytes of memory.
func NewDevice(capacity int64) *Device {
	return &Device{
		capacity: capacity,
		next:     basePtr,
		allocs:   make(map[accel.DevicePtr][]byte),
	}
}

func (d *Device) Malloc(bytes int) (accel.DevicePtr, error) {
	if bytes <= 0 {
		return 0, fmt.Errorf("malloc: invalid size %d", bytes)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used+int64(bytes) > d.capacity {
		return 0, fmt.Errorf("malloc %d bytes (%d of %d in use): %w", bytes, d.used, d.capacity, accel.ErrOutOfMemory)
	}
	p := d.next
	d.next += accel.DevicePtr((bytes + alignment - 1) / alignment * alignment)
	d.allocs[p] = make([]byte, bytes)
	d.used += int64(bytes)
	d.stats.Allocs++
	return p, nil
}

func (d *Device) Free(p accel.DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.allocs[p]
	if !ok {
		return fmt.Errorf("free %#x: %w", uintptr(p), accel.ErrInvalidPointer)
	}
	delete(d.allocs, p)
	d.used -= int64(len(buf))
	d.stats.Frees++
	return nil
}

func (d *Device) CreateStream() (accel.Stream, error) {
	d.mu.Lock()
	d.stats.StreamsCreated++
	d.mu.Unlock()
	return newStream(d), nil
}

// Stats returns a copy of the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.LiveAllocations = len(d.allocs)
	s.BytesInUse = d.used
	s.Capacity = d.capacity
	return s
}

// memory resolves an allocation by its base pointer.
func (d *Device) memory(p accel.DevicePtr) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.allocs[p]
	if !ok {
		return nil, fmt.Errorf("access %#x: %w", uintptr(p), accel.ErrInvalidPointer)
	}
	return buf, nil
}

func (d *Device) streamDestroyed() {
	d.mu.Lock()
	d.stats.StreamsDestroyed++
	d.mu.Unlock()
}

// stream executes queued operations in order on its own goroutine. The first
// failing operation poisons the stream: later operations are skipped and the
// error is returned by Synchronize.
type stream struct {
	dev *Device
	ops chan func() error

	mu        sync.Mutex
	destroyed bool
	pending   sync.WaitGroup
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

func newStream(d *Device) *stream {
	s := &stream{
		dev:  d,
		ops:  make(chan func() error, streamDepth),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *stream) run() {
	defer close(s.done)
	for op := range s.ops {
		if s.firstErr() == nil {
			if err := op(); err != nil {
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
			}
		}
		s.pending.Done()
	}
}

func (s *stream) firstErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) enqueue(op func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return accel.ErrStreamDestroyed
	}
	s.pending.Add(1)
	s.ops <- op
	return nil
}

func (s *stream) CopyHostToDevice(dst accel.DevicePtr, src []byte) error {
	buf, err := s.dev.memory(dst)
	if err != nil {
		return err
	}
	if len(src) > len(buf) {
		return fmt.Errorf("copy %d bytes into %d byte allocation: %w", len(src), len(buf), accel.ErrInvalidPointer)
	}
	return s.enqueue(func() error {
		copy(buf, src)
		return nil
	})
}

func (s *stream) CopyDeviceToHost(dst []byte, src accel.DevicePtr) error {
	buf, err := s.dev.memory(src)
	if err != nil {
		return err
	}
	if len(dst) > len(buf) {
		return fmt.Errorf("copy %d bytes from %d byte allocation: %w", len(dst), len(buf), accel.ErrInvalidPointer)
	}
	return s.enqueue(func() error {
		copy(dst, buf)
		return nil
	})
}

func (s *stream) Synchronize() error {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return accel.ErrStreamDestroyed
	}
	s.pending.Wait()
	return s.firstErr()
}

func (s *stream) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return accel.ErrStreamDestroyed
	}
	s.destroyed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.done
	s.dev.streamDestroyed()
	return nil
}
