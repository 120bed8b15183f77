// Package view implements the incremental map/reduce index update loop
// described in spec.md §4.8. A View pairs a name/version with a
// user-defined JavaScript map function (and optional reduce function),
// executed through github.com/robertkrimen/otto — the same mechanism
// CouchDB-style views (and sync_gateway's own view layer) use to let callers
// supply map/reduce logic without recompiling the database.
package view

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/robertkrimen/otto"
)

// Collation selects the key ordering used by range scans (spec.md §4.8).
type Collation int

const (
	CollationUnicode Collation = iota
	CollationRaw
	CollationASCII
)

// View is (name, version, mapFn, optional reduceFn, collation) per spec.md
// §4.8. MapSource is a JavaScript function body of the form
// "function(doc, emit) { emit(doc.key, doc.value); }". ReduceSource may be
// one of the CouchDB builtin shortcuts "_sum", "_count", "_stats", or a
// JavaScript "function(keys, values, rereduce) { ... }".
type View struct {
	Name         string
	Version      string
	MapSource    string
	ReduceSource string
	Collation    Collation

	compileOnce sync.Once
	compileErr  error
	vm          *otto.Otto
}

// ID is the stable identifier views are keyed by internally; version is
// part of it so that changing a view's definition invalidates its index
// (the indexer treats a version bump the same as L=0: a full rebuild).
func (v *View) ID() string { return v.Name + "@" + v.Version }

func (v *View) compile() error {
	v.compileOnce.Do(func() {
		vm := otto.New()
		if _, err := vm.Run("var __map = (" + v.MapSource + ");"); err != nil {
			v.compileErr = errors.Wrapf(err, "view %s: compiling map function", v.Name)
			return
		}
		if src := strings.TrimSpace(v.ReduceSource); src != "" && !isBuiltinReduce(src) {
			if _, err := vm.Run("var __reduce = (" + src + ");"); err != nil {
				v.compileErr = errors.Wrapf(err, "view %s: compiling reduce function", v.Name)
				return
			}
		}
		v.vm = vm
	})
	return v.compileErr
}

func isBuiltinReduce(src string) bool {
	switch src {
	case "_sum", "_count", "_stats":
		return true
	}
	return false
}

// emittedPair is one emit(key, value) call captured while running map over
// a single document.
type emittedPair struct {
	Key   json.RawMessage
	Value json.RawMessage
}

// runMap invokes the compiled map function against doc, returning every
// emitted (key, value) pair in emission order.
func (v *View) runMap(doc map[string]interface{}) ([]emittedPair, error) {
	if err := v.compile(); err != nil {
		return nil, err
	}

	var pairs []emittedPair
	var emitErr error
	emit := func(call otto.FunctionCall) otto.Value {
		if emitErr != nil {
			return otto.UndefinedValue()
		}
		keyVal, err := call.Argument(0).Export()
		if err != nil {
			emitErr = err
			return otto.UndefinedValue()
		}
		var valueVal interface{}
		if len(call.ArgumentList) > 1 {
			valueVal, err = call.Argument(1).Export()
			if err != nil {
				emitErr = err
				return otto.UndefinedValue()
			}
		}
		keyJSON, err := json.Marshal(keyVal)
		if err != nil {
			emitErr = err
			return otto.UndefinedValue()
		}
		valueJSON, err := json.Marshal(valueVal)
		if err != nil {
			emitErr = err
			return otto.UndefinedValue()
		}
		pairs = append(pairs, emittedPair{Key: keyJSON, Value: valueJSON})
		return otto.UndefinedValue()
	}

	if err := v.vm.Set("emit", emit); err != nil {
		return nil, err
	}
	emitVal, err := v.vm.Get("emit")
	if err != nil {
		return nil, err
	}
	docVal, err := v.vm.ToValue(doc)
	if err != nil {
		return nil, errors.Wrap(err, "view: converting document to JS value")
	}
	mapFn, err := v.vm.Get("__map")
	if err != nil {
		return nil, err
	}
	if _, err := mapFn.Call(otto.UndefinedValue(), docVal, emitVal); err != nil {
		return nil, errors.Wrapf(err, "view %s: running map function", v.Name)
	}
	if emitErr != nil {
		return nil, emitErr
	}
	return pairs, nil
}

// runReduce invokes the view's reduce function (builtin or JS) over one
// group's keys/values.
func (v *View) runReduce(keys []json.RawMessage, values []json.RawMessage, rereduce bool) (json.RawMessage, error) {
	switch strings.TrimSpace(v.ReduceSource) {
	case "_sum":
		return reduceSum(values)
	case "_count":
		return json.Marshal(len(values))
	case "_stats":
		return reduceStats(values)
	case "":
		return nil, errors.New("view: no reduce function defined")
	}

	if err := v.compile(); err != nil {
		return nil, err
	}
	keysJS := make([]interface{}, len(keys))
	for i, k := range keys {
		var v interface{}
		if err := json.Unmarshal(k, &v); err != nil {
			return nil, err
		}
		keysJS[i] = v
	}
	valuesJS := make([]interface{}, len(values))
	for i, val := range values {
		var v interface{}
		if err := json.Unmarshal(val, &v); err != nil {
			return nil, err
		}
		valuesJS[i] = v
	}
	reduceFn, err := v.vm.Get("__reduce")
	if err != nil {
		return nil, err
	}
	result, err := reduceFn.Call(otto.UndefinedValue(), keysJS, valuesJS, rereduce)
	if err != nil {
		return nil, errors.Wrapf(err, "view %s: running reduce function", v.Name)
	}
	exported, err := result.Export()
	if err != nil {
		return nil, err
	}
	return json.Marshal(exported)
}

func reduceSum(values []json.RawMessage) (json.RawMessage, error) {
	var total float64
	for _, v := range values {
		var n float64
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, fmt.Errorf("_sum: non-numeric value %s", v)
		}
		total += n
	}
	return json.Marshal(total)
}

func reduceStats(values []json.RawMessage) (json.RawMessage, error) {
	stats := struct {
		Sum   float64 `json:"sum"`
		Count int     `json:"count"`
		Min   float64 `json:"min"`
		Max   float64 `json:"max"`
	}{}
	for i, v := range values {
		var n float64
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, fmt.Errorf("_stats: non-numeric value %s", v)
		}
		stats.Sum += n
		stats.Count++
		if i == 0 || n < stats.Min {
			stats.Min = n
		}
		if i == 0 || n > stats.Max {
			stats.Max = n
		}
	}
	return json.Marshal(stats)
}
