package sparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGraphSymmetry(t *testing.T) {
	g := New(4)
	g.AddEdge(2, 0)
	g.AddEdge(0, 3)
	g.AddEdge(0, 2)
	g.AddEdge(1, 1)
	g.AddEdge(0, 9)

	assert.Equal(t, []int{2, 3}, g.Neighbors(0))
	assert.Equal(t, []int{0}, g.Neighbors(2))
	assert.True(t, g.HasEdge(3, 0))
	assert.Equal(t, 0, g.Degree(1))
	assert.Equal(t, [][2]int{{0, 2}, {0, 3}}, g.Edges())

	g.RemoveEdge(2, 0)
	assert.False(t, g.HasEdge(0, 2))
	assert.False(t, g.HasEdge(2, 0))
	assert.Empty(t, g.Neighbors(2))

	assert.Equal(t, []int{3}, g.Isolate(0))
	assert.Empty(t, g.Neighbors(3))
}

func TestGraphGrowAndClear(t *testing.T) {
	g := New(1)
	g.Grow(3)
	g.AddEdge(1, 2)
	assert.Equal(t, 3, g.Len())
	g.Clear()
	assert.Empty(t, g.Edges())
	assert.Equal(t, 3, g.Len())
}
