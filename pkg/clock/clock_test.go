package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManual(t *testing.T) {
	m := NewManual(0xfffffffe, 1)
	require.Equal(t, uint32(0xfffffffe), m.Cycles())
	require.Equal(t, uint32(0xffffffff), m.Cycles())
	require.Equal(t, uint32(0), m.Cycles())

	m.Set(100)
	require.Equal(t, uint32(100), m.Cycles())
}

func TestMonotonic(t *testing.T) {
	m := NewMonotonic()
	a := m.Cycles()
	b := m.Cycles()
	require.False(t, int32(b-a) < 0)
}
