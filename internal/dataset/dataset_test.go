package dataset

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darktracer/darktracer/internal/faults"
)

func sample() *Table {
	var t Table
	t.Append([]string{"src_host", "dst_port", "logtype"}, [][]string{
		{"203.0.113.9", "21", "2000"},
		{"198.51.100.2", "22", "4000"},
	})
	t.Append([]string{"dst_port", "src_host", "src_port"}, [][]string{
		{"21.0", "192.0.2.7", "51234"},
		{"", "192.0.2.8", "40000"},
	})
	return &t
}

func TestAppendUnionsColumns(t *testing.T) {
	tb := sample()
	assert.Equal(t, []string{"src_host", "dst_port", "logtype", "src_port"}, tb.Columns)
	require.Equal(t, 4, tb.Len())
	assert.Equal(t, "192.0.2.7", tb.Cell(2, 0))
	assert.Equal(t, "21.0", tb.Cell(2, 1))
	assert.Equal(t, "", tb.Cell(2, 2))
	assert.Equal(t, "", tb.Cell(0, 3))

	recs := tb.Records()
	assert.Len(t, recs[0], 4)
}

func TestLabels(t *testing.T) {
	y, err := sample().Labels("dst_port", 21)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 1, 0}, y)

	_, err = sample().Labels("missing", 21)
	assert.ErrorIs(t, err, faults.ErrInvalid)
}

func TestNumeric(t *testing.T) {
	tb := sample()
	assert.Equal(t, []string{"dst_port", "logtype", "src_port"}, tb.Numeric(LabelColumn))

	x := tb.Matrix([]string{"dst_port", "src_port"})
	assert.Equal(t, [][]float64{{21, 0}, {22, 0}, {21, 51234}, {0, 40000}}, x)
}

func TestSplitIsDeterministic(t *testing.T) {
	train, test, err := Split(10, 0.2, 42)
	require.NoError(t, err)
	assert.Len(t, test, 2)
	assert.Len(t, train, 8)

	all := append(slices.Clone(train), test...)
	slices.Sort(all)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, all)

	train2, test2, err := Split(10, 0.2, 42)
	require.NoError(t, err)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)
}

func TestSplitTooFew(t *testing.T) {
	_, _, err := Split(1, 0.2, 42)
	assert.ErrorIs(t, err, faults.ErrInvalid)
}

func TestTake(t *testing.T) {
	x, y := Take([][]float64{{1}, {2}, {3}}, []int{0, 1, 0}, []int{2, 0})
	assert.Equal(t, [][]float64{{3}, {1}}, x)
	assert.Equal(t, []int{0, 0}, y)
}
