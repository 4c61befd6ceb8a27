// Package memory provides the budgeted task-level allocator that backs
// spillsort's pages and pointer arrays.
//
// A TaskMemoryManager hands out pages and arrays against a fixed byte
// budget. When an allocation does not fit, the manager asks registered
// consumers to spill: first other consumers (largest first), then the
// requesting consumer itself. The Consumer passed as trigger lets a
// consumer distinguish a request made on its own behalf from one made
// on behalf of a sibling.
package memory

import (
	"fmt"
	"sync"

	spillerrors "github.com/xsq0718/spillsort/errors"
)

// Consumer is a participant in cooperative memory eviction. Spill is
// invoked by the manager from whatever goroutine requested memory; it
// returns the number of bytes the consumer released.
//
// When trigger is the consumer itself the manager is asking it to give
// back memory for its own allocation; otherwise the request is on
// behalf of another participant.
type Consumer interface {
	Spill(size int64, trigger Consumer) (int64, error)
}

// TaskMemoryManager allocates pages and long arrays against a byte
// budget shared by all consumers of one task.
//
// All methods are safe for concurrent use. Consumer.Spill is always
// invoked without the manager's lock held, so a spilling consumer may
// free pages and arrays reentrantly.
type TaskMemoryManager struct {
	mu        sync.Mutex
	limit     int64
	used      int64
	consumers map[Consumer]int64 // used bytes per registered consumer

	pageTable [PageTableSize]*Page
	freePages []int // free page-table slots, used as a stack
}

// NewTaskMemoryManager creates a manager with the given byte budget.
func NewTaskMemoryManager(limit int64) *TaskMemoryManager {
	m := &TaskMemoryManager{
		limit:     limit,
		consumers: make(map[Consumer]int64),
		freePages: make([]int, 0, PageTableSize),
	}
	for i := PageTableSize - 1; i >= 0; i-- {
		m.freePages = append(m.freePages, i)
	}
	return m
}

// Register adds a consumer to the eviction rotation. Registration is
// idempotent.
func (m *TaskMemoryManager) Register(c Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consumers[c]; !ok {
		m.consumers[c] = 0
	}
}

// Unregister removes a consumer that has no bytes attributed to it. A
// consumer that still holds bytes stays registered, and its bytes stay
// accounted until freed through the normal Free paths.
func (m *TaskMemoryManager) Unregister(c Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumers[c] == 0 {
		delete(m.consumers, c)
	}
}

// MemoryUsed returns the total bytes currently acquired from the budget.
func (m *TaskMemoryManager) MemoryUsed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// ConsumerUsed returns the bytes currently attributed to c.
func (m *TaskMemoryManager) ConsumerUsed(c Consumer) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumers[c]
}

// acquire obtains required bytes of budget for c, forcing spills when
// the budget is exhausted. Other consumers are spilled before c itself.
func (m *TaskMemoryManager) acquire(required int64, c Consumer) error {
	tried := make(map[Consumer]bool)
	selfTried := false
	for {
		m.mu.Lock()
		free := m.limit - m.used
		if free >= required {
			m.used += required
			m.consumers[c] += required
			m.mu.Unlock()
			return nil
		}
		need := required - free
		victim := m.pickVictimLocked(c, tried)
		m.mu.Unlock()

		if victim != nil {
			tried[victim] = true
			if _, err := victim.Spill(need, c); err != nil {
				return fmt.Errorf("spill sibling consumer: %w", err)
			}
			continue
		}
		if !selfTried {
			selfTried = true
			if _, err := c.Spill(need, c); err != nil {
				return fmt.Errorf("spill requesting consumer: %w", err)
			}
			continue
		}
		return fmt.Errorf("%w: need %d bytes, %d of %d in use",
			spillerrors.ErrMemoryUnavailable, required, m.MemoryUsed(), m.limit)
	}
}

// pickVictimLocked selects the untried consumer other than c with the
// most attributed memory. Returns nil when no candidate remains.
func (m *TaskMemoryManager) pickVictimLocked(c Consumer, tried map[Consumer]bool) Consumer {
	var victim Consumer
	var victimUsed int64
	for cand, used := range m.consumers {
		if cand == c || tried[cand] || used <= 0 {
			continue
		}
		if used > victimUsed {
			victim, victimUsed = cand, used
		}
	}
	return victim
}

// release returns bytes to the budget.
func (m *TaskMemoryManager) release(bytes int64, c Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used -= bytes
	m.consumers[c] -= bytes
}

// AllocatePage allocates a page of at least size bytes for c. The
// allocation may force spills, including of c itself.
func (m *TaskMemoryManager) AllocatePage(size int64, c Consumer) (*Page, error) {
	if size > MaxPageSize {
		return nil, fmt.Errorf("%w: %d bytes", spillerrors.ErrPageTooLarge, size)
	}
	if err := m.acquire(size, c); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.freePages) == 0 {
		m.mu.Unlock()
		m.release(size, c)
		return nil, spillerrors.ErrPageTableFull
	}
	n := m.freePages[len(m.freePages)-1]
	m.freePages = m.freePages[:len(m.freePages)-1]
	p := &Page{pageNumber: n, data: make([]byte, size)}
	m.pageTable[n] = p
	m.mu.Unlock()
	return p, nil
}

// FreePage returns a page to the manager. The caller must drop every
// reference to the page and to addresses encoded against it.
func (m *TaskMemoryManager) FreePage(p *Page, c Consumer) {
	m.mu.Lock()
	m.pageTable[p.pageNumber] = nil
	m.freePages = append(m.freePages, p.pageNumber)
	m.mu.Unlock()
	m.release(p.Size(), c)
	p.data = nil
}

// Page dereferences the page-table slot of a record address. The page
// must still be live.
func (m *TaskMemoryManager) Page(addr uint64) *Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageTable[DecodePageNumber(addr)]
}

// AllocateArray allocates a LongArray of the given word count for c.
// Like AllocatePage, the budget acquisition may force spills; after a
// failed acquisition the error wraps ErrMemoryUnavailable.
func (m *TaskMemoryManager) AllocateArray(words int64, c Consumer) (*LongArray, error) {
	if err := m.acquire(words*8, c); err != nil {
		return nil, err
	}
	return &LongArray{data: make([]uint64, words)}, nil
}

// FreeArray returns an array's bytes to the budget.
func (m *TaskMemoryManager) FreeArray(a *LongArray, c Consumer) {
	m.release(a.SizeBytes(), c)
	a.data = nil
}
