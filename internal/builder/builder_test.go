package builder

import (
	"errors"
	"testing"

	"github.com/ChuLiYu/drop-order/internal/droplog"
	"github.com/ChuLiYu/drop-order/internal/element"
	"github.com/ChuLiYu/drop-order/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Helpers
// ============================================================================

// countingStep 記錄 Step 是否被呼叫
func countingStep(step element.Step, calls *int) element.Step {
	return func() (*element.Value, error) {
		*calls++
		return step()
	}
}

func stepsWithAbort(l *droplog.Log, tags [Size]types.Tag, abortAt int, abort element.Step) [Size]element.Step {
	steps := Steps(func(t types.Tag) element.Step { return element.Make(l, t) }, tags)
	if abortAt >= 0 {
		steps[abortAt] = abort
	}
	return steps
}

// ============================================================================
// Build Tests
// ============================================================================

func TestBuildComplete(t *testing.T) {
	l := droplog.New()
	res := Build(stepsWithAbort(l, [Size]types.Tag{1, 2, 3, 4}, -1, nil))

	require.True(t, res.Ok())
	assert.Nil(t, res.Partial)
	assert.Equal(t, []types.Tag{1, 2, 3, 4}, res.Array.Tags())
	assert.Equal(t, uint64(0), l.Load(), "no destruction happens at build time")
}

func TestArrayDropAscending(t *testing.T) {
	l := droplog.New()
	res := Build(stepsWithAbort(l, [Size]types.Tag{5, 6, 7, 8}, -1, nil))
	require.True(t, res.Ok())

	assert.Equal(t, Size, res.Array.Drop())
	assert.Equal(t, uint64(0x5678), l.Load())

	// 已釋放的陣列再次釋放不會寫入
	assert.Equal(t, 0, res.Array.Drop())
	assert.Equal(t, uint64(0x5678), l.Load())
}

func TestBuildPartialAtEveryIndex(t *testing.T) {
	tags := [Size]types.Tag{9, 10, 11, 12}

	for abortAt := 0; abortAt < Size; abortAt++ {
		t.Run(string(rune('0'+abortAt)), func(t *testing.T) {
			l := droplog.New()
			calls := 0
			steps := stepsWithAbort(l, tags, abortAt, element.Die())
			for i := range steps {
				steps[i] = countingStep(steps[i], &calls)
			}

			res := Build(steps)
			require.False(t, res.Ok())
			require.NotNil(t, res.Partial)
			assert.Nil(t, res.Array)

			p := res.Partial
			assert.Equal(t, abortAt, p.Index())
			assert.Len(t, p.Built(), abortAt)
			assert.Equal(t, abortAt+1, calls, "steps after the abort must not run")
			assert.False(t, p.Cleaned())
			assert.Equal(t, uint64(0), l.Load(), "Build itself does not clean up")

			n, err := p.Cleanup(types.Ascending)
			require.NoError(t, err)
			assert.Equal(t, abortAt, n)
			assert.Equal(t, droplog.Encode(tags[:abortAt]...), l.Load())
		})
	}
}

// ============================================================================
// Partial Cleanup Tests
// ============================================================================

func TestPartialCleanupOrder(t *testing.T) {
	testCases := []struct {
		name  string
		order types.Order
		want  uint64
	}{
		{"ascending", types.Ascending, 0x9A},
		{"descending", types.Descending, 0xA9},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := droplog.New()
			res := Build(stepsWithAbort(l, [Size]types.Tag{9, 10, 0, 12}, 2, element.Die()))
			require.False(t, res.Ok())

			n, err := res.Partial.Cleanup(tc.order)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.Equal(t, tc.want, l.Load())
		})
	}
}

func TestPartialCleanupRunsOnce(t *testing.T) {
	l := droplog.New()
	res := Build(stepsWithAbort(l, [Size]types.Tag{1, 2, 3, 4}, 3, element.Die()))
	require.False(t, res.Ok())

	n, err := res.Partial.Cleanup(types.Ascending)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = res.Partial.Cleanup(types.Descending)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint64(0x123), l.Load())
	assert.Equal(t, uint64(3), l.Events())
}

func TestPartialCleanupInvalidOrder(t *testing.T) {
	l := droplog.New()
	res := Build(stepsWithAbort(l, [Size]types.Tag{1, 2, 3, 4}, 1, element.Die()))
	require.False(t, res.Ok())

	_, err := res.Partial.Cleanup("sideways")
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.False(t, res.Partial.Cleaned())
	assert.Equal(t, uint64(0), l.Load())
}

func TestPartialDoesNotTouchOtherArrays(t *testing.T) {
	l := droplog.New()
	sibling := Build(stepsWithAbort(l, [Size]types.Tag{1, 2, 3, 4}, -1, nil))
	require.True(t, sibling.Ok())

	res := Build(stepsWithAbort(l, [Size]types.Tag{5, 6, 7, 8}, 2, element.Die()))
	require.False(t, res.Ok())
	_, err := res.Partial.Cleanup(types.Ascending)
	require.NoError(t, err)

	for _, v := range sibling.Array {
		assert.False(t, v.Dropped())
	}
	assert.Equal(t, uint64(0x56), l.Load())
}

// ============================================================================
// Abort Cause Tests
// ============================================================================

func TestAbortCauses(t *testing.T) {
	cause := errors.New("disk on fire")

	testCases := []struct {
		name  string
		step  element.Step
		check func(t *testing.T, err error)
	}{
		{
			name: "returned error",
			step: element.Fail(cause),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, cause)
			},
		},
		{
			name: "panic with string",
			step: element.Die(),
			check: func(t *testing.T, err error) {
				var sp *StepPanic
				require.ErrorAs(t, err, &sp)
				assert.Equal(t, element.DieMessage, sp.Value)
				assert.Contains(t, err.Error(), element.DieMessage)
			},
		},
		{
			name: "panic with error",
			step: func() (*element.Value, error) { panic(cause) },
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, cause)
			},
		},
		{
			name: "nil value",
			step: func() (*element.Value, error) { return nil, nil },
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNilElement)
			},
		},
		{
			name: "nil step",
			step: nil,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNilElement)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := droplog.New()
			res := Build(stepsWithAbort(l, [Size]types.Tag{1, 2, 3, 4}, 1, tc.step))
			require.False(t, res.Ok())
			tc.check(t, res.Partial.Cause())

			abortErr := res.Partial.Err()
			assert.Equal(t, 1, abortErr.Index)
			assert.Equal(t, 1, abortErr.Built)
			tc.check(t, abortErr)
		})
	}
}

// ============================================================================
// MustBuild Tests
// ============================================================================

func TestMustBuildCleansUpThenPanics(t *testing.T) {
	l := droplog.New()
	steps := stepsWithAbort(l, [Size]types.Tag{9, 10, 0, 12}, 2, element.Die())

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		MustBuild(steps)
	}()

	require.NotNil(t, recovered)
	abortErr, ok := recovered.(*AbortError)
	require.True(t, ok, "panic value should be *AbortError, got %T", recovered)
	assert.Equal(t, 2, abortErr.Index)
	assert.Contains(t, abortErr.Error(), element.DieMessage)

	// 清理依建構順序：9 先於 10
	assert.Equal(t, uint64(0x9A), l.Load())
}

func TestMustBuildComplete(t *testing.T) {
	l := droplog.New()
	arr := MustBuild(stepsWithAbort(l, [Size]types.Tag{1, 2, 3, 4}, -1, nil))
	require.NotNil(t, arr)
	assert.Equal(t, []types.Tag{1, 2, 3, 4}, arr.Tags())
}
