package onnx

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/darktracer/darktracer/internal/faults"
	"github.com/darktracer/darktracer/internal/forest"
)

// fields splits a message into its top-level fields; bytes-typed values
// are returned raw, varints as their value.
type field struct {
	num   protowire.Number
	bytes []byte
	v     uint64
}

func fields(t *testing.T, b []byte) []field {
	t.Helper()
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.GreaterOrEqual(t, n, 0)
		b = b[n:]
		f := field{num: num}
		switch typ {
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		default:
			t.Fatalf("unexpected wire type %v", typ)
		}
		require.GreaterOrEqual(t, n, 0)
		b = b[n:]
		out = append(out, f)
	}
	return out
}

func first(t *testing.T, fs []field, num protowire.Number) field {
	t.Helper()
	for _, f := range fs {
		if f.num == num {
			return f
		}
	}
	t.Fatalf("field %d missing", num)
	return field{}
}

type attributes struct {
	ints    map[string][]int64
	floats  map[string][]float32
	strings map[string][]string
}

func decodeNode(t *testing.T, model []byte) ([]field, attributes) {
	graph := fields(t, first(t, fields(t, model), modelGraph).bytes)
	node := fields(t, first(t, graph, graphNode).bytes)
	a := attributes{ints: map[string][]int64{}, floats: map[string][]float32{}, strings: map[string][]string{}}
	for _, f := range node {
		if f.num != nodeAttribute {
			continue
		}
		af := fields(t, f.bytes)
		name := string(first(t, af, attrName).bytes)
		for _, x := range af {
			switch x.num {
			case attrIs:
				for p := x.bytes; len(p) > 0; {
					v, n := protowire.ConsumeVarint(p)
					a.ints[name] = append(a.ints[name], int64(v))
					p = p[n:]
				}
			case attrFs:
				for p := x.bytes; len(p) > 0; {
					v, n := protowire.ConsumeFixed32(p)
					a.floats[name] = append(a.floats[name], math.Float32frombits(v))
					p = p[n:]
				}
			case attrSs, attrS:
				a.strings[name] = append(a.strings[name], string(x.bytes))
			}
		}
	}
	return node, a
}

// evaluate runs the encoded tree ensemble on x the way an ONNX runtime
// would with post_transform NONE.
func evaluate(a attributes, x []float32) [forest.Classes]float32 {
	type key struct{ tree, node int64 }
	idx := map[key]int{}
	for i := range a.ints["nodes_nodeids"] {
		idx[key{a.ints["nodes_treeids"][i], a.ints["nodes_nodeids"][i]}] = i
	}
	weights := map[key][forest.Classes]float32{}
	for i := range a.ints["class_ids"] {
		k := key{a.ints["class_treeids"][i], a.ints["class_nodeids"][i]}
		w := weights[k]
		w[a.ints["class_ids"][i]] += a.floats["class_weights"][i]
		weights[k] = w
	}
	trees := map[int64]bool{}
	for _, tr := range a.ints["nodes_treeids"] {
		trees[tr] = true
	}
	var out [forest.Classes]float32
	for tr := range trees {
		i := idx[key{tr, 0}]
		for a.strings["nodes_modes"][i] != "LEAF" {
			next := a.ints["nodes_falsenodeids"][i]
			if x[a.ints["nodes_featureids"][i]] <= a.floats["nodes_values"][i] {
				next = a.ints["nodes_truenodeids"][i]
			}
			i = idx[key{tr, next}]
		}
		w := weights[key{tr, a.ints["nodes_nodeids"][i]}]
		for k := range out {
			out[k] += w[k]
		}
	}
	return out
}

func trainedForest(t *testing.T) (*forest.Forest, [][]float64) {
	var x [][]float64
	var y []int
	for i := range 120 {
		dst := []float64{21, 22, 80}[i%3]
		x = append(x, []float64{float64(1024 + (i*7919)%60000), dst})
		if dst == 21 {
			y = append(y, 1)
		} else {
			y = append(y, 0)
		}
	}
	f, err := forest.Fit(x, y, forest.Config{NumTrees: 7, Seed: 3})
	require.NoError(t, err)
	return f, x
}

func TestEncodeStructure(t *testing.T) {
	f, _ := trainedForest(t)
	model, err := Encode(f)
	require.NoError(t, err)

	top := fields(t, model)
	assert.EqualValues(t, irVersion, first(t, top, modelIRVersion).v)

	var domains []string
	for _, fld := range top {
		if fld.num == modelOpsetImport {
			domains = append(domains, string(first(t, fields(t, fld.bytes), opsetDomain).bytes))
		}
	}
	assert.Equal(t, []string{"", domainML}, domains)

	node, a := decodeNode(t, model)
	assert.Equal(t, "TreeEnsembleClassifier", string(first(t, node, nodeOpType).bytes))
	assert.Equal(t, domainML, string(first(t, node, nodeDomain).bytes))
	assert.Equal(t, InputName, string(first(t, node, nodeInput).bytes))

	var outputs []string
	for _, fld := range node {
		if fld.num == nodeOutput {
			outputs = append(outputs, string(fld.bytes))
		}
	}
	assert.Equal(t, []string{LabelName, ProbaName}, outputs)

	assert.Equal(t, []int64{0, 1}, a.ints["classlabels_int64s"])
	assert.Equal(t, []string{"NONE"}, a.strings["post_transform"])

	total := 0
	for _, tr := range f.Trees {
		total += len(tr.Nodes)
	}
	for _, name := range []string{"nodes_nodeids", "nodes_treeids", "nodes_featureids", "nodes_truenodeids", "nodes_falsenodeids"} {
		assert.Len(t, a.ints[name], total, name)
	}
	assert.Len(t, a.strings["nodes_modes"], total)
	assert.Len(t, a.floats["nodes_values"], total)
}

func TestEncodedModelMatchesForest(t *testing.T) {
	f, x := trainedForest(t)
	model, err := Encode(f)
	require.NoError(t, err)
	_, a := decodeNode(t, model)

	for _, row := range x[:30] {
		in := []float32{float32(row[0]), float32(row[1])}
		got := evaluate(a, in)
		want := f.Proba(row)
		for k := range got {
			assert.InDelta(t, want[k], float64(got[k]), 1e-5)
		}
	}
}

func TestEncodeEmptyForest(t *testing.T) {
	_, err := Encode(&forest.Forest{})
	assert.ErrorIs(t, err, faults.ErrInvalid)
}
