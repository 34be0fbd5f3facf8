package guard

import (
	"errors"
	"runtime/debug"
	"testing"

	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/stretchr/testify/require"
)

func store(slots []encoding.Entry, pos int) (v any) {
	defer func() { v = recover() }()
	slots[pos].ID = 1
	return nil
}

func TestRegion(t *testing.T) {
	_, err := New(0)
	require.True(t, errors.Is(err, control.ErrInvalidArgument))

	for _, capacity := range []int{4, 1000, 1 << 12} {
		r, err := New(capacity)
		require.NoError(t, err)
		require.Equal(t, capacity, r.Limit())

		slots := r.Slots()
		for i := 0; i < r.Limit(); i++ {
			slots[i] = encoding.Entry{ID: encoding.ID(i), Timestamp: uint32(i)}
		}
		require.Equal(t, encoding.Entry{ID: 3, Timestamp: 3}, slots[3])
		require.NoError(t, r.Close())
	}
}

func TestTrap(t *testing.T) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	r, err := New(16)
	require.NoError(t, err)
	defer r.Close()

	v := store(r.Slots(), r.Limit())
	require.NotNil(t, v)
	require.True(t, r.Recognize(v, r.Limit()))
	require.False(t, r.Recognize(v, r.Limit()-1))
	require.False(t, r.Recognize("boom", r.Limit()))

	// The slots in front of the guard are untouched by the trap.
	require.Nil(t, store(r.Slots(), r.Limit()-1))
}
