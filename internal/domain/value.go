package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Coerce normalizes a raw remote value into the Go type used for dataType:
// float64 for float, int64 for int, bool for bool, string for string and enum.
func Coerce(dataType DataType, raw any) (any, error) {
	raw = unwrap(raw)
	if raw == nil {
		return nil, fmt.Errorf("no value for %s point", dataType)
	}

	switch dataType {
	case DataTypeFloat:
		f, err := finiteFloat(raw)
		if err != nil {
			return nil, err
		}
		return f, nil
	case DataTypeInt:
		i, err := asInt(raw)
		if err != nil {
			return nil, err
		}
		return i, nil
	case DataTypeBool:
		return asBool(raw)
	case DataTypeString, DataTypeEnum:
		switch v := raw.(type) {
		case string:
			return v, nil
		default:
			return fmt.Sprint(v), nil
		}
	default:
		return nil, fmt.Errorf("unknown data type %q", dataType)
	}
}

// finiteFloat rejects NaN and infinities, which have no JSON encoding.
func finiteFloat(raw any) (float64, error) {
	f, ok := AsFloat(raw)
	if !ok {
		return 0, fmt.Errorf("value %v (%T) is not numeric", raw, raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value %v is not finite", f)
	}
	return f, nil
}

func asInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
	}

	f, err := finiteFloat(raw)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("value %v is not integral", f)
	}
	if f < -(1<<63) || f >= 1<<63 {
		return 0, fmt.Errorf("value %v overflows int64", f)
	}
	return int64(f), nil
}

// AsFloat converts numeric values, including numeric strings and json.Number, to float64.
func AsFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "on", "active", "1", "yes":
			return true, nil
		case "false", "off", "inactive", "0", "no":
			return false, nil
		}
		// Metasys enum sets: "binarypvEnumSet.bpvActive"
		if i := strings.LastIndex(val, "."); i >= 0 {
			return asBool(strings.TrimPrefix(val[i+1:], "bpv"))
		}
		return false, fmt.Errorf("value %q is not boolean", val)
	default:
		if f, ok := AsFloat(val); ok {
			switch f {
			case 0:
				return false, nil
			case 1:
				return true, nil
			}
		}
		return false, fmt.Errorf("value %v (%T) is not boolean", v, v)
	}
}

// unwrap flattens object-shaped values some sources return, e.g. {"value": 21.5}
// or an enum reference {"id": "binarypvEnumSet.bpvActive"}.
func unwrap(raw any) any {
	obj, ok := raw.(map[string]any)
	if !ok {
		return raw
	}
	for _, key := range []string{"value", "id", "name"} {
		if v, ok := obj[key]; ok {
			return unwrap(v)
		}
	}
	return raw
}
