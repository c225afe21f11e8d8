// Package onnx serializes a random forest as an ONNX model holding a
// single ai.onnx.ml TreeEnsembleClassifier node.
package onnx

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/darktracer/darktracer/internal/faults"
	"github.com/darktracer/darktracer/internal/forest"
)

const (
	irVersion = 8
	opsetONNX = 15
	opsetML   = 1
	domainML  = "ai.onnx.ml"
	producer  = "darktracer"

	InputName = "input"
	LabelName = "label"
	ProbaName = "probabilities"

	elemFloat = 1
	elemInt64 = 7

	attrString  = 3
	attrFloats  = 6
	attrInts    = 7
	attrStrings = 8
)

// ModelProto, GraphProto, NodeProto, AttributeProto, ValueInfoProto and
// TypeProto field numbers from onnx.proto.
const (
	modelIRVersion    = 1
	modelProducerName = 2
	modelGraph        = 7
	modelOpsetImport  = 8

	opsetDomain  = 1
	opsetVersion = 2

	graphNode   = 1
	graphName   = 2
	graphInput  = 11
	graphOutput = 12

	nodeInput     = 1
	nodeOutput    = 2
	nodeName      = 3
	nodeOpType    = 4
	nodeAttribute = 5
	nodeDomain    = 7

	attrName    = 1
	attrS       = 4
	attrFs      = 7
	attrIs      = 8
	attrSs      = 9
	attrTypeNum = 20

	valueName = 1
	valueType = 2

	typeTensor  = 1
	tensorElem  = 1
	tensorShape = 2
	shapeDim    = 1
	dimValue    = 1
	dimParam    = 2
)

// Encode returns the serialized ModelProto for f. The input is a float
// tensor [N, f.NumFeatures]; outputs are the int64 label [N] and float
// class probabilities [N, 2].
func Encode(f *forest.Forest) ([]byte, error) {
	if f == nil || len(f.Trees) == 0 {
		return nil, faults.Invalid("forest has no trees")
	}
	node := ensembleNode(f)

	var g []byte
	g = appendMessage(g, graphNode, node)
	g = protowire.AppendTag(g, graphName, protowire.BytesType)
	g = protowire.AppendString(g, "honeypot_forest")
	g = appendMessage(g, graphInput, valueInfo(InputName, elemFloat, -1, int64(f.NumFeatures)))
	g = appendMessage(g, graphOutput, valueInfo(LabelName, elemInt64, -1))
	g = appendMessage(g, graphOutput, valueInfo(ProbaName, elemFloat, -1, forest.Classes))

	var m []byte
	m = protowire.AppendTag(m, modelIRVersion, protowire.VarintType)
	m = protowire.AppendVarint(m, irVersion)
	m = protowire.AppendTag(m, modelProducerName, protowire.BytesType)
	m = protowire.AppendString(m, producer)
	m = appendMessage(m, modelGraph, g)
	m = appendMessage(m, modelOpsetImport, opset("", opsetONNX))
	m = appendMessage(m, modelOpsetImport, opset(domainML, opsetML))
	return m, nil
}

func ensembleNode(f *forest.Forest) []byte {
	var (
		treeIDs, nodeIDs, featureIDs, trueIDs, falseIDs, missing []int64
		values, hitrates                                         []float32
		modes                                                    []string
		classTree, classNode, classID                            []int64
		classWeight                                              []float32
	)
	scale := 1 / float64(len(f.Trees))
	for t, tr := range f.Trees {
		for n, nd := range tr.Nodes {
			treeIDs = append(treeIDs, int64(t))
			nodeIDs = append(nodeIDs, int64(n))
			missing = append(missing, 0)
			hitrates = append(hitrates, 1)
			if nd.Leaf {
				featureIDs = append(featureIDs, 0)
				values = append(values, 0)
				modes = append(modes, "LEAF")
				trueIDs = append(trueIDs, 0)
				falseIDs = append(falseIDs, 0)
				for k, p := range nd.Proba {
					classTree = append(classTree, int64(t))
					classNode = append(classNode, int64(n))
					classID = append(classID, int64(k))
					classWeight = append(classWeight, float32(p*scale))
				}
				continue
			}
			featureIDs = append(featureIDs, int64(nd.Feature))
			values = append(values, float32(nd.Threshold))
			modes = append(modes, "BRANCH_LEQ")
			trueIDs = append(trueIDs, int64(nd.Left))
			falseIDs = append(falseIDs, int64(nd.Right))
		}
	}
	labels := make([]int64, forest.Classes)
	for k := range labels {
		labels[k] = int64(k)
	}

	var b []byte
	b = protowire.AppendTag(b, nodeInput, protowire.BytesType)
	b = protowire.AppendString(b, InputName)
	b = protowire.AppendTag(b, nodeOutput, protowire.BytesType)
	b = protowire.AppendString(b, LabelName)
	b = protowire.AppendTag(b, nodeOutput, protowire.BytesType)
	b = protowire.AppendString(b, ProbaName)
	b = protowire.AppendTag(b, nodeName, protowire.BytesType)
	b = protowire.AppendString(b, "TreeEnsembleClassifier")
	b = protowire.AppendTag(b, nodeOpType, protowire.BytesType)
	b = protowire.AppendString(b, "TreeEnsembleClassifier")
	b = protowire.AppendTag(b, nodeDomain, protowire.BytesType)
	b = protowire.AppendString(b, domainML)

	attrs := [][]byte{
		intsAttr("class_ids", classID),
		intsAttr("class_nodeids", classNode),
		intsAttr("class_treeids", classTree),
		floatsAttr("class_weights", classWeight),
		intsAttr("classlabels_int64s", labels),
		intsAttr("nodes_falsenodeids", falseIDs),
		intsAttr("nodes_featureids", featureIDs),
		floatsAttr("nodes_hitrates", hitrates),
		intsAttr("nodes_missing_value_tracks_true", missing),
		stringsAttr("nodes_modes", modes),
		intsAttr("nodes_nodeids", nodeIDs),
		intsAttr("nodes_treeids", treeIDs),
		intsAttr("nodes_truenodeids", trueIDs),
		floatsAttr("nodes_values", values),
		stringAttr("post_transform", "NONE"),
	}
	for _, a := range attrs {
		b = appendMessage(b, nodeAttribute, a)
	}
	return b
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func opset(domain string, version int64) []byte {
	var b []byte
	b = protowire.AppendTag(b, opsetDomain, protowire.BytesType)
	b = protowire.AppendString(b, domain)
	b = protowire.AppendTag(b, opsetVersion, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(version))
}

// valueInfo describes a tensor; a negative dim is the symbolic batch "N".
func valueInfo(name string, elem int64, dims ...int64) []byte {
	var shape []byte
	for _, d := range dims {
		var dim []byte
		if d < 0 {
			dim = protowire.AppendTag(dim, dimParam, protowire.BytesType)
			dim = protowire.AppendString(dim, "N")
		} else {
			dim = protowire.AppendTag(dim, dimValue, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d))
		}
		shape = appendMessage(shape, shapeDim, dim)
	}
	var tensor []byte
	tensor = protowire.AppendTag(tensor, tensorElem, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, uint64(elem))
	tensor = appendMessage(tensor, tensorShape, shape)

	var typ []byte
	typ = appendMessage(typ, typeTensor, tensor)

	var b []byte
	b = protowire.AppendTag(b, valueName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	return appendMessage(b, valueType, typ)
}

func attrHeader(name string, typ int64) []byte {
	var b []byte
	b = protowire.AppendTag(b, attrName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = protowire.AppendTag(b, attrTypeNum, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(typ))
}

func intsAttr(name string, v []int64) []byte {
	b := attrHeader(name, attrInts)
	var packed []byte
	for _, x := range v {
		packed = protowire.AppendVarint(packed, uint64(x))
	}
	return appendMessage(b, attrIs, packed)
}

func floatsAttr(name string, v []float32) []byte {
	b := attrHeader(name, attrFloats)
	var packed []byte
	for _, x := range v {
		packed = protowire.AppendFixed32(packed, math.Float32bits(x))
	}
	return appendMessage(b, attrFs, packed)
}

func stringsAttr(name string, v []string) []byte {
	b := attrHeader(name, attrStrings)
	for _, s := range v {
		b = protowire.AppendTag(b, attrSs, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func stringAttr(name, v string) []byte {
	b := attrHeader(name, attrString)
	b = protowire.AppendTag(b, attrS, protowire.BytesType)
	return protowire.AppendString(b, v)
}
