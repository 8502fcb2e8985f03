package playlist

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(t *testing.T, m *Manager, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, m.Add(Task{Name: fmt.Sprintf("t%d", i), URL: fmt.Sprintf("http://host/%d.mp3", i)}))
	}
}

func TestAddRejectsDuplicates(t *testing.T) {
	m := New(FIFO)
	require.NoError(t, m.Add(Task{Name: "t0"}))
	assert.ErrorIs(t, m.Add(Task{Name: "t0"}), ErrRejected)
	assert.Equal(t, []string{"t0"}, m.Order())
}

func TestRemoveUnknownLeavesStateUnchanged(t *testing.T) {
	m := New(FIFO)
	fill(t, m, 2)
	assert.ErrorIs(t, m.Remove("nope"), ErrNotFound)
	assert.Equal(t, []string{"t0", "t1"}, m.Order())
}

func TestAutoNextModes(t *testing.T) {
	tests := []struct {
		mode  Mode
		start int
		steps []int
	}{
		{FIFO, 0, []int{1, 2, 2, 2}},       // saturates at tail
		{LIFO, 2, []int{1, 0, 0}},          // saturates at head
		{RoundRobin, 0, []int{1, 2, 0, 1}}, // wraps
		{SingleLoop, 1, []int{1, 1}},       // never moves
	}
	for _, tc := range tests {
		t.Run(tc.mode.String(), func(t *testing.T) {
			m := New(tc.mode)
			fill(t, m, 3)
			if tc.start > 0 {
				require.NoError(t, m.SkipRelative(tc.start))
				m.ConsumeManualSkip()
			}
			for i, want := range tc.steps {
				m.AutoNext()
				assert.Equal(t, want, m.CurrentIndex(), "step %d", i)
			}
		})
	}
}

func TestAutoNextRandomStaysInRange(t *testing.T) {
	m := New(Random)
	fill(t, m, 5)
	for i := 0; i < 100; i++ {
		m.AutoNext()
		idx := m.CurrentIndex()
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 5)
	}
}

func TestSkipRelativeWrapAndClamp(t *testing.T) {
	m := New(RoundRobin)
	fill(t, m, 3)
	require.NoError(t, m.SkipRelative(2))
	assert.Equal(t, 2, m.CurrentIndex())
	require.NoError(t, m.SkipRelative(2))
	assert.Equal(t, 1, m.CurrentIndex(), "round robin wraps")
	require.NoError(t, m.SkipRelative(-3))
	assert.Equal(t, 1, m.CurrentIndex())

	m.SetMode(FIFO)
	require.NoError(t, m.SkipRelative(100))
	assert.Equal(t, 2, m.CurrentIndex(), "clamped to tail")
	require.NoError(t, m.SkipRelative(-100))
	assert.Equal(t, 0, m.CurrentIndex(), "clamped to head")
}

func TestManualSkipLatch(t *testing.T) {
	m := New(FIFO)
	fill(t, m, 3)
	assert.False(t, m.ConsumeManualSkip())

	require.NoError(t, m.SkipTo("t2"))
	assert.True(t, m.ConsumeManualSkip())
	assert.False(t, m.ConsumeManualSkip(), "latch clears on consume")
}

func TestSkipToUnknownRejected(t *testing.T) {
	m := New(FIFO)
	fill(t, m, 2)
	assert.ErrorIs(t, m.SkipTo("missing"), ErrNotFound)
	assert.Equal(t, 0, m.CurrentIndex())
	assert.False(t, m.ConsumeManualSkip())
}

func TestUpdateAtomicReplace(t *testing.T) {
	m := New(FIFO)
	fill(t, m, 3)
	require.NoError(t, m.SkipRelative(2))
	m.ConsumeManualSkip()

	// Keep t1, add t9; t0 and t2 fall away; index clamps.
	err := m.Update(
		[]Task{{Name: "t9", URL: "http://host/9.mp3"}},
		[]string{"t1", "t9"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t9"}, m.Order())
	assert.Equal(t, 0, m.CurrentIndex())

	_, ok := m.Find("t0")
	assert.False(t, ok, "tasks absent from order are removed")
	_, ok = m.Find("t1")
	assert.True(t, ok, "existing task referenced by order survives")
}

func TestUpdateDanglingOrderRejected(t *testing.T) {
	m := New(FIFO)
	fill(t, m, 2)
	err := m.Update(nil, []string{"t0", "ghost"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, []string{"t0", "t1"}, m.Order(), "rejected update leaves manager unchanged")
}

func TestUpdateRoundTripIsNoop(t *testing.T) {
	m := New(FIFO)
	fill(t, m, 3)
	order := m.Order()
	var tasks []Task
	for _, name := range order {
		task, ok := m.Find(name)
		require.True(t, ok)
		tasks = append(tasks, task)
	}
	require.NoError(t, m.Update(tasks, order))
	assert.Equal(t, order, m.Order())
}

func TestMutationsRaiseUpdateSignal(t *testing.T) {
	m := New(FIFO)
	sig := m.UpdateSignal()

	assert.False(t, sig.IsSet())
	require.NoError(t, m.Add(Task{Name: "t0"}))
	assert.True(t, sig.IsSet())

	sig.Reset()
	m.SetMode(RoundRobin)
	assert.True(t, sig.IsSet())

	sig.Reset()
	m.SetMode(RoundRobin) // no change, no signal
	assert.False(t, sig.IsSet())
}

func TestPeekCurrentNeverAdvances(t *testing.T) {
	m := New(FIFO)
	fill(t, m, 2)
	for i := 0; i < 3; i++ {
		task, ok := m.PeekCurrent()
		require.True(t, ok)
		assert.Equal(t, "t0", task.Name)
	}
	m.Clear()
	_, ok := m.PeekCurrent()
	assert.False(t, ok)
}

func TestFIFOExhaustionStopsPickup(t *testing.T) {
	m := New(FIFO)
	fill(t, m, 2)
	m.AutoNext() // t0 done -> index 1
	assert.Equal(t, 1, m.CurrentIndex())
	m.AutoNext() // t1 done -> saturates, list exhausted
	assert.Equal(t, 1, m.CurrentIndex())

	_, ok := m.PeekCurrent()
	assert.False(t, ok, "exhausted list offers no task")

	// Any mutation revives the list.
	require.NoError(t, m.Add(Task{Name: "t2"}))
	task, ok := m.PeekCurrent()
	require.True(t, ok)
	assert.Equal(t, "t1", task.Name)
}

func TestIndexInvariant(t *testing.T) {
	m := New(RoundRobin)
	fill(t, m, 3)
	require.NoError(t, m.SkipRelative(2))
	require.NoError(t, m.Remove("t2"))
	assert.Less(t, m.CurrentIndex(), m.Len())

	require.NoError(t, m.Remove("t0"))
	require.NoError(t, m.Remove("t1"))
	assert.Equal(t, 0, m.CurrentIndex())
}
