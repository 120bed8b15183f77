package view

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestView_RunMap_EmitsKeyValue(t *testing.T) {
	v := &View{
		Name:      "by_name",
		Version:   "1",
		MapSource: `function(doc, emit) { emit(doc.name, doc.age); }`,
	}
	pairs, err := v.runMap(map[string]interface{}{"name": "alice", "age": 30})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.JSONEq(t, `"alice"`, string(pairs[0].Key))
	assert.JSONEq(t, `30`, string(pairs[0].Value))
}

func TestView_RunMap_MultipleEmitsPerDoc(t *testing.T) {
	v := &View{
		Name:      "tags",
		Version:   "1",
		MapSource: `function(doc, emit) { for (var i = 0; i < doc.tags.length; i++) { emit(doc.tags[i], doc._id); } }`,
	}
	pairs, err := v.runMap(map[string]interface{}{"_id": "doc1", "tags": []interface{}{"a", "b", "c"}})
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.JSONEq(t, `"a"`, string(pairs[0].Key))
	assert.JSONEq(t, `"c"`, string(pairs[2].Key))
}

func TestView_RunMap_CompileErrorIsReported(t *testing.T) {
	v := &View{Name: "broken", Version: "1", MapSource: `function(doc, emit) { this is not js`}
	_, err := v.runMap(map[string]interface{}{})
	assert.Error(t, err)
}

func TestView_RunReduce_BuiltinSum(t *testing.T) {
	v := &View{Name: "sum", Version: "1", MapSource: `function(doc, emit) {}`, ReduceSource: "_sum"}
	result, err := v.runReduce(nil, []json.RawMessage{
		json.RawMessage("1"), json.RawMessage("2"), json.RawMessage("3"),
	}, false)
	require.NoError(t, err)
	assert.JSONEq(t, "6", string(result))
}

func TestView_RunReduce_BuiltinCount(t *testing.T) {
	v := &View{Name: "count", Version: "1", MapSource: `function(doc, emit) {}`, ReduceSource: "_count"}
	result, err := v.runReduce(nil, []json.RawMessage{
		json.RawMessage("1"), json.RawMessage("2"),
	}, false)
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(result))
}

func TestView_RunReduce_BuiltinStats(t *testing.T) {
	v := &View{Name: "stats", Version: "1", MapSource: `function(doc, emit) {}`, ReduceSource: "_stats"}
	result, err := v.runReduce(nil, []json.RawMessage{
		json.RawMessage("1"), json.RawMessage("5"), json.RawMessage("3"),
	}, false)
	require.NoError(t, err)
	var stats struct {
		Sum   float64 `json:"sum"`
		Count int     `json:"count"`
		Min   float64 `json:"min"`
		Max   float64 `json:"max"`
	}
	require.NoError(t, json.Unmarshal(result, &stats))
	assert.Equal(t, 9.0, stats.Sum)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 5.0, stats.Max)
}

func TestView_RunReduce_CustomJSReduce(t *testing.T) {
	v := &View{
		Name:         "maxval",
		Version:      "1",
		MapSource:    `function(doc, emit) {}`,
		ReduceSource: `function(keys, values, rereduce) { return Math.max.apply(null, values); }`,
	}
	result, err := v.runReduce(nil, []json.RawMessage{
		json.RawMessage("4"), json.RawMessage("9"), json.RawMessage("2"),
	}, false)
	require.NoError(t, err)
	assert.JSONEq(t, "9", string(result))
}

func TestView_ID_IncludesVersion(t *testing.T) {
	v := &View{Name: "foo", Version: "2"}
	assert.Equal(t, "foo@2", v.ID())
}
