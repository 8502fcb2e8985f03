// Package playlist manages the ordered task list of a stream: a keyed
// store of task records, a play order, the current index, and the play
// mode driving automatic advancement.
package playlist

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/omni-media/omnistream/internal/event"
)

type TaskKind int

const (
	TaskFile TaskKind = iota
	TaskCached
)

// Task is one URL-addressed media item. Cached tasks resolve their media
// URL through a JSON envelope before fetching; StreamMode selects the
// chained byte source and rate-capped reception.
type Task struct {
	Name       string
	URL        string
	Kind       TaskKind
	StreamMode bool
}

type Mode int

const (
	FIFO Mode = iota
	LIFO
	RoundRobin
	Random
	SingleLoop
)

func (m Mode) String() string {
	switch m {
	case FIFO:
		return "fifo"
	case LIFO:
		return "lifo"
	case RoundRobin:
		return "round_robin"
	case Random:
		return "random"
	case SingleLoop:
		return "single_loop"
	default:
		return "unknown"
	}
}

var (
	// ErrRejected reports a mutation that would violate an invariant;
	// the manager is left unchanged.
	ErrRejected = errors.New("playlist: rejected")
	// ErrNotFound reports a lookup by unknown task name.
	ErrNotFound = errors.New("playlist: task not found")
)

// Manager holds the play list. All accessors take the single mutex
// briefly; mutations are atomic with respect to readers and raise the
// update signal so an idle fetcher wakes.
type Manager struct {
	mu         sync.Mutex
	tasks      map[string]Task
	order      []string
	current    int
	mode       Mode
	manualSkip bool
	// exhausted latches when a saturating mode (FIFO at the tail,
	// LIFO at the head) runs out; the fetcher then idles instead of
	// replaying the edge task. Any mutation clears it.
	exhausted bool

	update *event.Signal

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(mode Mode) *Manager {
	return &Manager{
		tasks:  make(map[string]Task),
		mode:   mode,
		update: event.NewSignal(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// UpdateSignal is raised on every mutation.
func (m *Manager) UpdateSignal() *event.Signal { return m.update }

// Add appends a task. Duplicate names are rejected.
func (m *Manager) Add(t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.Name]; ok {
		return ErrRejected
	}
	m.tasks[t.Name] = t
	m.order = append(m.order, t.Name)
	m.exhausted = false
	m.update.Set()
	return nil
}

// Remove drops a task by name.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[name]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.current >= len(m.order) {
		m.current = 0
	}
	m.exhausted = false
	m.update.Set()
	return nil
}

// Clear drops everything and resets the index.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]Task)
	m.order = nil
	m.current = 0
	m.exhausted = false
	m.update.Set()
}

// Update atomically replaces the play list: every name in order must be
// resolvable against the new tasks or the existing store, tasks absent
// from order are removed, and the current index is clamped. On rejection
// nothing changes.
func (m *Manager) Update(tasks []Task, order []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := make(map[string]Task, len(m.tasks)+len(tasks))
	for name, t := range m.tasks {
		merged[name] = t
	}
	for _, t := range tasks {
		merged[t.Name] = t
	}
	for _, name := range order {
		if _, ok := merged[name]; !ok {
			return ErrRejected
		}
	}

	keep := make(map[string]struct{}, len(order))
	for _, name := range order {
		keep[name] = struct{}{}
	}
	for name := range merged {
		if _, ok := keep[name]; !ok {
			delete(merged, name)
		}
	}

	m.tasks = merged
	m.order = append([]string(nil), order...)
	if m.current >= len(m.order) {
		m.current = 0
	}
	m.exhausted = false
	m.update.Set()
	return nil
}

// PeekCurrent returns the task at the current index without advancing.
func (m *Manager) PeekCurrent() (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exhausted || len(m.order) == 0 || m.current >= len(m.order) {
		return Task{}, false
	}
	return m.tasks[m.order[m.current]], true
}

// Find returns a task record by name.
func (m *Manager) Find(name string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[name]
	return t, ok
}

// SkipTo jumps the current index to the named task and latches the
// manual-skip flag.
func (m *Manager) SkipTo(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.order {
		if n == name {
			m.current = i
			m.manualSkip = true
			m.exhausted = false
			m.update.Set()
			return nil
		}
	}
	return ErrNotFound
}

// SkipRelative moves the current index by offset: modulo the list length
// in RoundRobin, clamped to the ends otherwise. Latches manual skip.
func (m *Manager) SkipRelative(offset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return ErrRejected
	}
	idx := m.current + offset
	if m.mode == RoundRobin {
		idx %= len(m.order)
		if idx < 0 {
			idx += len(m.order)
		}
	} else {
		if idx < 0 {
			idx = 0
		} else if idx >= len(m.order) {
			idx = len(m.order) - 1
		}
	}
	m.current = idx
	m.manualSkip = true
	m.exhausted = false
	m.update.Set()
	return nil
}

// AutoNext advances the current index per the play mode: FIFO saturates
// at the tail, LIFO at the head, RoundRobin wraps, Random draws
// uniformly, SingleLoop stays put.
func (m *Manager) AutoNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return
	}
	switch m.mode {
	case FIFO:
		if m.current+1 < len(m.order) {
			m.current++
		} else {
			m.exhausted = true
		}
	case LIFO:
		if m.current > 0 {
			m.current--
		} else {
			m.exhausted = true
		}
	case RoundRobin:
		m.current = (m.current + 1) % len(m.order)
	case Random:
		m.current = m.randomIndex(len(m.order))
	case SingleLoop:
	}
	m.update.Set()
}

func (m *Manager) randomIndex(n int) int {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Intn(n)
}

// ConsumeManualSkip returns and clears the manual-skip latch. The
// fetcher consults it at cycle end to suppress AutoNext.
func (m *Manager) ConsumeManualSkip() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.manualSkip
	m.manualSkip = false
	return was
}

func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != mode {
		m.mode = mode
		m.exhausted = false
		m.update.Set()
	}
}

func (m *Manager) GetMode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Order returns a copy of the play order.
func (m *Manager) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// CurrentIndex returns the current position in the order.
func (m *Manager) CurrentIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
