package archiver

import (
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// fastJSON: no HTML escaping, map keys left unsorted, float encoding
// left to the fast path. Used to encode the JSON backend's node tree, and
// as the fallback in PrimitiveToString/ParsePrimitive for values that are
// not Go primitives; primitive values always go through strconv. The
// msgpack backend does not use it.
var fastJSON = jsoniter.ConfigFastest

// PrimitiveToString converts any primitive value to its text form, used
// by the XML backend to render primitive element text.
func PrimitiveToString(v any) (string, error) {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x), nil
	case string:
		return x, nil
	case int:
		return strconv.Itoa(x), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	default:
		b, err := fastJSON.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("archiver: cannot convert %T to string: %w", v, err)
		}
		return string(b), nil
	}
}

// ParsePrimitive is the inverse of PrimitiveToString, driven by the
// element/type name the engine wrote the value under (the XML backend's
// only way to recover a typed value from text, since XML carries no type
// information beyond the tag name).
func ParsePrimitive(typeName, text string) (any, error) {
	switch typeName {
	case "bool":
		return strconv.ParseBool(text)
	case "string":
		return text, nil
	case "int":
		v, err := strconv.ParseInt(text, 10, 64)
		return int(v), err
	case "int8":
		v, err := strconv.ParseInt(text, 10, 8)
		return int8(v), err
	case "int16":
		v, err := strconv.ParseInt(text, 10, 16)
		return int16(v), err
	case "int32":
		v, err := strconv.ParseInt(text, 10, 32)
		return int32(v), err
	case "int64":
		return strconv.ParseInt(text, 10, 64)
	case "uint":
		v, err := strconv.ParseUint(text, 10, 64)
		return uint(v), err
	case "uint8":
		v, err := strconv.ParseUint(text, 10, 8)
		return uint8(v), err
	case "uint16":
		v, err := strconv.ParseUint(text, 10, 16)
		return uint16(v), err
	case "uint32":
		v, err := strconv.ParseUint(text, 10, 32)
		return uint32(v), err
	case "uint64":
		return strconv.ParseUint(text, 10, 64)
	case "float32":
		v, err := strconv.ParseFloat(text, 32)
		return float32(v), err
	case "float64":
		return strconv.ParseFloat(text, 64)
	default:
		var v any
		if err := fastJSON.UnmarshalFromString(text, &v); err != nil {
			return nil, fmt.Errorf("archiver: cannot parse %q as %s: %w", text, typeName, err)
		}
		return v, nil
	}
}

// primitiveTypeName returns the element/type name the engine uses to tag
// a primitive value.
func primitiveTypeName(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case string:
		return "string"
	case int:
		return "int"
	case int8:
		return "int8"
	case int16:
		return "int16"
	case int32:
		return "int32"
	case int64:
		return "int64"
	case uint:
		return "uint"
	case uint8:
		return "uint8"
	case uint16:
		return "uint16"
	case uint32:
		return "uint32"
	case uint64:
		return "uint64"
	case float32:
		return "float32"
	case float64:
		return "float64"
	default:
		return "unknown"
	}
}
