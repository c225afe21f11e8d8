// Package dataset assembles CSV batches into a feature matrix for training.
package dataset

import (
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/darktracer/darktracer/internal/faults"
)

// LabelColumn is the derived target column.
const LabelColumn = "label"

// Table is a string table whose columns are the union of every appended
// header, in first-seen order.
type Table struct {
	Columns []string
	Rows    [][]string
	index   map[string]int
}

// Append adds rows read under header. Columns new to the table are added
// at the end and earlier rows get empty cells for them.
func (t *Table) Append(header []string, rows [][]string) {
	if t.index == nil {
		t.index = map[string]int{}
		for i, c := range t.Columns {
			t.index[c] = i
		}
	}
	pos := make([]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		j, ok := t.index[h]
		if !ok {
			j = len(t.Columns)
			t.Columns = append(t.Columns, h)
			t.index[h] = j
		}
		pos[i] = j
	}
	for _, r := range rows {
		out := make([]string, len(t.Columns))
		for i, v := range r {
			if i < len(pos) {
				out[pos[i]] = strings.TrimSpace(v)
			}
		}
		t.Rows = append(t.Rows, out)
	}
}

func (t *Table) Len() int { return len(t.Rows) }

// Index returns the column position of name, or -1.
func (t *Table) Index(name string) int {
	return slices.Index(t.Columns, name)
}

// Cell returns row i of column c, empty when the row predates the column.
func (t *Table) Cell(i, c int) string {
	if c < 0 || c >= len(t.Rows[i]) {
		return ""
	}
	return t.Rows[i][c]
}

// Records returns every row padded to the full column count.
func (t *Table) Records() [][]string {
	out := make([][]string, len(t.Rows))
	for i, r := range t.Rows {
		if len(r) < len(t.Columns) {
			r = append(slices.Clone(r), make([]string, len(t.Columns)-len(r))...)
		}
		out[i] = r
	}
	return out
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Labels derives the binary target: 1 where column equals positive,
// otherwise 0. Missing or non-numeric cells are 0.
func (t *Table) Labels(column string, positive float64) ([]int, error) {
	c := t.Index(column)
	if c < 0 {
		return nil, faults.Invalid("column %q not found", column)
	}
	y := make([]int, t.Len())
	for i := range t.Rows {
		if v, ok := parseNumber(t.Cell(i, c)); ok && v == positive {
			y[i] = 1
		}
	}
	return y, nil
}

// Numeric returns the columns whose non-empty cells all parse as numbers,
// skipping exclude.
func (t *Table) Numeric(exclude ...string) []string {
	var cols []string
	for c, name := range t.Columns {
		if slices.Contains(exclude, name) {
			continue
		}
		numeric := true
		for i := range t.Rows {
			v := t.Cell(i, c)
			if v == "" {
				continue
			}
			if _, ok := parseNumber(v); !ok {
				numeric = false
				break
			}
		}
		if numeric {
			cols = append(cols, name)
		}
	}
	return cols
}

// Matrix returns the rows as floats over cols. Empty cells become 0.
func (t *Table) Matrix(cols []string) [][]float64 {
	idx := make([]int, len(cols))
	for j, c := range cols {
		idx[j] = t.Index(c)
	}
	x := make([][]float64, t.Len())
	for i := range t.Rows {
		row := make([]float64, len(cols))
		for j, c := range idx {
			row[j], _ = parseNumber(t.Cell(i, c))
		}
		x[i] = row
	}
	return x
}

// Split shuffles 0..n-1 with seed and holds out ceil(n*testFrac) indices.
func Split(n int, testFrac float64, seed uint64) (train, test []int, err error) {
	if testFrac <= 0 || testFrac >= 1 {
		return nil, nil, faults.Invalid("test fraction %v outside (0, 1)", testFrac)
	}
	nTest := int(math.Ceil(float64(n) * testFrac))
	if n-nTest < 1 || nTest < 1 {
		return nil, nil, faults.Invalid("%d rows are too few to split", n)
	}
	perm := rand.New(rand.NewPCG(seed, seed)).Perm(n)
	return perm[nTest:], perm[:nTest], nil
}

// Take selects rows of x and y by index.
func Take(x [][]float64, y []int, idx []int) ([][]float64, []int) {
	xs := make([][]float64, len(idx))
	ys := make([]int, len(idx))
	for k, i := range idx {
		xs[k], ys[k] = x[i], y[i]
	}
	return xs, ys
}
