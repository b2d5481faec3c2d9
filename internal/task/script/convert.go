package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

const (
	nullGlobal    = "null"
	arrayMetaName = "__taskhost_array"

	// Marked arrays may contain holes; cap how sparse they can get so a stray
	// t[1e9] = x does not allocate a billion-element slice.
	maxArraySlack = 1024
)

var errCyclicTable = errors.New("cyclic table")

// codec converts between lua values and JSON-shaped Go values
// (nil, bool, float64, string, []any, map[string]any).
type codec struct {
	null      *lua.LUserData
	arrayMeta *lua.LTable
}

func newCodec(L *lua.LState) codec {
	null := L.NewUserData()
	meta := L.NewTable()
	meta.RawSetString("__name", lua.LString(arrayMetaName))
	null.Metatable = L.NewTable()
	L.SetField(null.Metatable, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(nullGlobal))
		return 1
	}))
	L.SetGlobal(nullGlobal, null)
	return codec{null: null, arrayMeta: meta}
}

// normalize reduces any encoding/json-marshalable value to its JSON shape.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, float64, string:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}

// toLua expects a normalized value.
func (c codec) toLua(L *lua.LState, v any) (lua.LValue, error) {
	switch val := v.(type) {
	case nil:
		return c.null, nil
	case bool:
		return lua.LBool(val), nil
	case float64:
		return lua.LNumber(val), nil
	case string:
		return lua.LString(val), nil
	case []any:
		tbl := L.CreateTable(len(val), 0)
		for i, item := range val {
			lv, err := c.toLua(L, item)
			if err != nil {
				return nil, err
			}
			tbl.RawSetInt(i+1, lv)
		}
		tbl.Metatable = c.arrayMeta
		return tbl, nil
	case map[string]any:
		tbl := L.CreateTable(0, len(val))
		for k, item := range val {
			lv, err := c.toLua(L, item)
			if err != nil {
				return nil, err
			}
			tbl.RawSetString(k, lv)
		}
		return tbl, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func (c codec) fromLua(v lua.LValue) (any, error) {
	return c.decode(v, make(map[*lua.LTable]struct{}))
}

func (c codec) decode(v lua.LValue, visiting map[*lua.LTable]struct{}) (any, error) {
	switch val := v.(type) {
	case nil, *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite number %v", f)
		}
		return f, nil
	case lua.LString:
		return string(val), nil
	case *lua.LUserData:
		if val == c.null {
			return nil, nil
		}
		return nil, errors.New("userdata is not representable as JSON")
	case *lua.LTable:
		if _, ok := visiting[val]; ok {
			return nil, errCyclicTable
		}
		visiting[val] = struct{}{}
		defer delete(visiting, val)
		return c.decodeTable(val, visiting)
	default:
		return nil, fmt.Errorf("%s is not representable as JSON", v.Type().String())
	}
}

func (c codec) decodeTable(tbl *lua.LTable, visiting map[*lua.LTable]struct{}) (any, error) {
	count := 0
	maxIndex := 0
	sequence := true
	var keyErr error
	tbl.ForEach(func(k, _ lua.LValue) {
		count++
		switch key := k.(type) {
		case lua.LNumber:
			f := float64(key)
			if f != math.Trunc(f) || f < 1 {
				sequence = false
				return
			}
			if int(f) > maxIndex {
				maxIndex = int(f)
			}
		case lua.LString:
			sequence = false
		default:
			sequence = false
			if keyErr == nil {
				keyErr = fmt.Errorf("table key of type %s", k.Type().String())
			}
		}
	})
	if keyErr != nil {
		return nil, keyErr
	}

	marked := tbl.Metatable == c.arrayMeta
	switch {
	// A tagged array that gained non-index keys falls through to an object.
	case marked && sequence:
		if maxIndex > 2*count+maxArraySlack {
			return nil, fmt.Errorf("array too sparse (%d items, max index %d)", count, maxIndex)
		}
		return c.decodeArray(tbl, maxIndex, visiting)
	case count > 0 && sequence && maxIndex == count:
		return c.decodeArray(tbl, count, visiting)
	}

	obj := make(map[string]any, count)
	var err error
	tbl.ForEach(func(k, item lua.LValue) {
		if err != nil {
			return
		}
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = formatNumberKey(float64(kv))
		}
		var out any
		out, err = c.decode(item, visiting)
		if err != nil {
			err = fmt.Errorf("field %q: %w", key, err)
			return
		}
		obj[key] = out
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (c codec) decodeArray(tbl *lua.LTable, n int, visiting map[*lua.LTable]struct{}) (any, error) {
	arr := make([]any, n)
	for i := 1; i <= n; i++ {
		out, err := c.decode(tbl.RawGetInt(i), visiting)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		arr[i-1] = out
	}
	return arr, nil
}

func formatNumberKey(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
