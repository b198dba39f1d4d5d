package flash

import (
	"fmt"
	"sync"

	"github.com/roundtouch/ota-agent/internal/ota"
)

// MemoryFlasher holds the active image in memory. Capacity bounds the image
// size the way a fixed OTA partition would.
type MemoryFlasher struct {
	Capacity int64

	mu      sync.Mutex
	open    bool
	size    int64
	staging []byte
	active  []byte
	commits int
}

var _ ota.Flasher = (*MemoryFlasher)(nil)

// NewMemoryFlasher returns a flasher with the given partition capacity.
func NewMemoryFlasher(capacity int64) *MemoryFlasher {
	return &MemoryFlasher{Capacity: capacity}
}

func (m *MemoryFlasher) Begin(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return ErrSessionOpen
	}
	if size > m.Capacity {
		return fmt.Errorf("%w: need %d bytes, partition holds %d", ErrNoSpace, size, m.Capacity)
	}
	m.open = true
	m.size = size
	m.staging = make([]byte, 0, size)
	return nil
}

func (m *MemoryFlasher) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return 0, ErrNoSession
	}
	var overflow error
	if remaining := m.size - int64(len(m.staging)); int64(len(p)) > remaining {
		p = p[:remaining]
		overflow = ErrSessionFull
	}
	m.staging = append(m.staging, p...)
	return len(p), overflow
}

func (m *MemoryFlasher) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.staging = nil
}

func (m *MemoryFlasher) End(commit bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNoSession
	}
	m.open = false
	staged := m.staging
	m.staging = nil
	if !commit {
		return nil
	}
	if int64(len(staged)) != m.size {
		return fmt.Errorf("%w: %d of %d bytes", ErrImageIncomplete, len(staged), m.size)
	}
	m.active = staged
	m.commits++
	return nil
}

// Image returns a copy of the committed image, or nil if none.
func (m *MemoryFlasher) Image() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return append([]byte(nil), m.active...)
}

// Commits reports how many images have been committed.
func (m *MemoryFlasher) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}
