// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

package writer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// DType is the target storage type of a channel, resolved from the
// bsread channel config "type" field.
type DType int

// Supported channel types. Unknown types make the channel fail its
// conversion, not the whole file.
const (
	TypeFloat64 DType = iota
	TypeFloat32
	TypeInt64
	TypeUint64
	TypeInt32
	TypeUint32
	TypeInt16
	TypeUint16
	TypeInt8
	TypeUint8
	TypeBool
	TypeString
)

var dtypeNames = map[string]DType{
	"float64": TypeFloat64,
	"float32": TypeFloat32,
	"int64":   TypeInt64,
	"uint64":  TypeUint64,
	"int32":   TypeInt32,
	"uint32":  TypeUint32,
	"int16":   TypeInt16,
	"uint16":  TypeUint16,
	"int8":    TypeInt8,
	"uint8":   TypeUint8,
	"bool":    TypeBool,
	"string":  TypeString,
}

// ParseDType resolves a bsread type name. The empty name defaults to
// float64, like the bsread deserialization table.
func ParseDType(name string) (DType, error) {
	if name == "" {
		return TypeFloat64, nil
	}
	dt, ok := dtypeNames[name]
	if !ok {
		return TypeFloat64, fmt.Errorf("unknown channel type %q", name)
	}
	return dt, nil
}

func (d DType) String() string {
	for name, dt := range dtypeNames {
		if dt == d {
			return name
		}
	}
	return "unknown"
}

func (d DType) goType() reflect.Type {
	switch d {
	case TypeFloat64:
		return reflect.TypeOf(float64(0))
	case TypeFloat32:
		return reflect.TypeOf(float32(0))
	case TypeInt64:
		return reflect.TypeOf(int64(0))
	case TypeUint64:
		return reflect.TypeOf(uint64(0))
	case TypeInt32:
		return reflect.TypeOf(int32(0))
	case TypeUint32:
		return reflect.TypeOf(uint32(0))
	case TypeInt16:
		return reflect.TypeOf(int16(0))
	case TypeUint16:
		return reflect.TypeOf(uint16(0))
	case TypeInt8:
		return reflect.TypeOf(int8(0))
	case TypeUint8, TypeBool:
		return reflect.TypeOf(uint8(0))
	case TypeString:
		return reflect.TypeOf("")
	}
	panic(fmt.Sprintf("no Go type for dtype %d", d))
}

// valueBuffer is a zero-initialized flat buffer of one dtype, with
// scalar assignment from decoded JSON values.
type valueBuffer struct {
	dtype DType
	slice reflect.Value
}

func newValueBuffer(dtype DType, n int) *valueBuffer {
	return &valueBuffer{
		dtype: dtype,
		slice: reflect.MakeSlice(reflect.SliceOf(dtype.goType()), n, n),
	}
}

// values returns the backing slice as its concrete type, e.g.
// []float64 or []string.
func (b *valueBuffer) values() any {
	return b.slice.Interface()
}

func (b *valueBuffer) set(index int, scalar any) error {
	elem := b.slice.Index(index)

	switch v := scalar.(type) {
	case json.Number:
		switch elem.Kind() {
		case reflect.Float32, reflect.Float64:
			f, err := v.Float64()
			if err != nil {
				return err
			}
			elem.SetFloat(f)
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := v.Int64()
			if err != nil {
				return err
			}
			elem.SetInt(i)
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			// Negative or fractional input for an unsigned channel is a
			// conversion failure, same as a shape mismatch.
			i, err := v.Int64()
			if err != nil || i < 0 {
				return fmt.Errorf("value %s does not fit %s", v, b.dtype)
			}
			elem.SetUint(uint64(i))
		default:
			return fmt.Errorf("numeric value for %s channel", b.dtype)
		}
	case string:
		if b.dtype != TypeString {
			return fmt.Errorf("string value for %s channel", b.dtype)
		}
		elem.SetString(v)
	case bool:
		if b.dtype != TypeBool {
			return fmt.Errorf("bool value for %s channel", b.dtype)
		}
		if v {
			elem.SetUint(1)
		}
	default:
		return fmt.Errorf("unsupported scalar %T", scalar)
	}
	return nil
}

// flattenValue decodes a raw event value into a flat scalar list. The
// nesting order is preserved, which matches the reversed-axis storage
// convention: a bsread [X, Y] array lands in a [Y, X] dataset without
// reordering elements.
func flattenValue(raw json.RawMessage) ([]any, error) {
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}

	var flat []any
	var walk func(v any) error
	walk = func(v any) error {
		switch vv := v.(type) {
		case []any:
			for _, item := range vv {
				if err := walk(item); err != nil {
					return err
				}
			}
			return nil
		case json.Number, string, bool:
			flat = append(flat, vv)
			return nil
		case nil:
			return fmt.Errorf("null value")
		default:
			return fmt.Errorf("unsupported value element %T", v)
		}
	}
	if err := walk(decoded); err != nil {
		return nil, err
	}
	return flat, nil
}
