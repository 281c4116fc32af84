package proxy

import (
	"math/rand"
	"sync"
)

// ClientSlot is a pre-allocated session shell reused across connections so
// the accept path does not allocate buffers per client.
type ClientSlot struct {
	mu      sync.Mutex
	inUse   bool
	reqBuf  []byte
	respBuf []byte
}

// ClientSlotPool is a fixed array of client slots.
type ClientSlotPool struct {
	slots []*ClientSlot
}

// NewClientSlotPool allocates size slots with the configured buffer sizes.
func NewClientSlotPool(size, reqBufsize, respBufsize int) *ClientSlotPool {
	slots := make([]*ClientSlot, size)
	for i := range slots {
		slots[i] = &ClientSlot{
			reqBuf:  make([]byte, reqBufsize),
			respBuf: make([]byte, respBufsize),
		}
	}
	return &ClientSlotPool{slots: slots}
}

// Assign claims a free slot: one random probe, then a full scan in a random
// direction. Returns -1 when the pool is fully used; the session then falls
// back to heap-allocated buffers.
func (p *ClientSlotPool) Assign() int {
	n := len(p.slots)
	if n == 0 {
		return -1
	}

	ri := rand.Intn(n)
	if p.tryClaim(ri) {
		return ri
	}

	if rand.Intn(2) == 0 {
		for i := n - 1; i >= 0; i-- {
			if p.tryClaim(i) {
				return i
			}
		}
	} else {
		for i := 0; i < n; i++ {
			if p.tryClaim(i) {
				return i
			}
		}
	}
	return -1
}

func (p *ClientSlotPool) tryClaim(i int) bool {
	s := p.slots[i]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse {
		return false
	}
	s.inUse = true
	return true
}

// Release frees a claimed slot. The slot keeps its buffers, including any
// growth the previous session caused.
func (p *ClientSlotPool) Release(i int) {
	s := p.slots[i]
	s.mu.Lock()
	s.inUse = false
	s.mu.Unlock()
}

// Slot returns slot i for buffer adoption by a session.
func (p *ClientSlotPool) Slot(i int) *ClientSlot {
	return p.slots[i]
}

// InUse returns the number of claimed slots.
func (p *ClientSlotPool) InUse() int {
	n := 0
	for _, s := range p.slots {
		s.mu.Lock()
		if s.inUse {
			n++
		}
		s.mu.Unlock()
	}
	return n
}
