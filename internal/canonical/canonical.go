package canonical

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/roach88/paybench/internal/fault"
)

const op = "canonical.Marshal"

// Payload is a request field mapping. Key order is irrelevant: two payloads
// with the same keys and values always produce the same canonical bytes.
type Payload map[string]any

// Marshal produces the canonical JSON form of v used for signing and hashing.
//
// Differences from json.Marshal:
//  1. Object keys sorted byte-wise at every depth
//  2. No HTML escaping (< > & are emitted literally)
//  3. U+2028 and U+2029 emitted literally
//  4. Numbers formatted like ECMAScript (1e21, 1e-7, 100.5, no -0)
//  5. Array element order preserved as given
//  6. Invalid UTF-8 is an error rather than U+FFFD
//
// Every number is an IEEE 754 double, whatever its Go type: integers beyond
// 2^53 and decimals with more than 17 significant digits are rounded, the
// same as a JSON.parse/JSON.stringify round trip on the gateway.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// String is Marshal returning a string.
func String(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Equal reports whether a and b have the same canonical form.
func Equal(a, b any) (bool, error) {
	ab, err := Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

// SortedKeys returns the keys of m in canonical (byte-wise) order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func encode(buf *bytes.Buffer, v any, path string) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		return encodeString(buf, val, path)
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case int:
		encodeInt(buf, int64(val))
	case int8:
		encodeInt(buf, int64(val))
	case int16:
		encodeInt(buf, int64(val))
	case int32:
		encodeInt(buf, int64(val))
	case int64:
		encodeInt(buf, val)
	case uint:
		encodeUint(buf, uint64(val))
	case uint8:
		encodeUint(buf, uint64(val))
	case uint16:
		encodeUint(buf, uint64(val))
	case uint32:
		encodeUint(buf, uint64(val))
	case uint64:
		encodeUint(buf, val)
	case float32:
		return encodeFloat(buf, float64(val), 32, path)
	case float64:
		return encodeFloat(buf, val, 64, path)
	case json.Number:
		return encodeNumber(buf, val, path)
	case decimal.Decimal:
		f, _ := val.Float64()
		return encodeFloat(buf, f, 64, path)
	case Payload:
		return encodeObject(buf, val, path)
	case map[string]any:
		return encodeObject(buf, val, path)
	case map[string]string:
		return encodeObject(buf, val, path)
	case []any:
		return encodeArray(buf, len(val), func(i int) any { return val[i] }, path)
	case []string:
		return encodeArray(buf, len(val), func(i int) any { return val[i] }, path)
	case []Payload:
		return encodeArray(buf, len(val), func(i int) any { return val[i] }, path)
	case []map[string]any:
		return encodeArray(buf, len(val), func(i int) any { return val[i] }, path)
	default:
		return encodeReflect(buf, v, path)
	}
	return nil
}

// encodeReflect handles the remaining map and slice shapes (e.g. map[string]int).
func encodeReflect(buf *bytes.Buffer, v any, path string) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fault.New(fault.KindSerialization, op, "%s: map key type %s is not string", path, rv.Type().Key())
		}
		obj := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			obj[iter.Key().String()] = iter.Value().Interface()
		}
		return encodeObject(buf, obj, path)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encodeArray(buf, rv.Len(), func(i int) any { return rv.Index(i).Interface() }, path)
	default:
		return fault.New(fault.KindSerialization, op, "%s: unsupported type %T", path, v)
	}
}

func encodeObject[V any](buf *bytes.Buffer, obj map[string]V, path string) error {
	buf.WriteByte('{')
	for i, k := range SortedKeys(obj) {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k, path+" key"); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, obj[k], path+"."+k); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, n int, elem func(int) any, path string) error {
	buf.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem(i), path+"["+strconv.Itoa(i)+"]"); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeString writes a JSON string with only quote, backslash and control
// characters escaped.
func encodeString(buf *bytes.Buffer, s string, path string) error {
	if !utf8.ValidString(s) {
		return fault.New(fault.KindSerialization, op, "%s: invalid UTF-8", path)
	}
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fault.Wrap(fault.KindSerialization, op, err)
	}
	// Encoder appends a newline.
	out := bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'})
	buf.Write(unescapeLineSeparators(out))
	return nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes emitted by
// encoding/json back into literal characters. Escaped backslashes are copied
// as pairs so a literal `\\u2028` in the input is left alone.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' || i+1 >= len(data) {
			out = append(out, data[i])
			continue
		}
		if data[i+1] == 'u' && i+6 <= len(data) {
			switch string(data[i+2 : i+6]) {
			case "2028":
				out = append(out, "\u2028"...)
				i += 5
				continue
			case "2029":
				out = append(out, "\u2029"...)
				i += 5
				continue
			}
		}
		out = append(out, data[i], data[i+1])
		i++
	}
	return out
}

func encodeFloat(buf *bytes.Buffer, f float64, bits int, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fault.New(fault.KindSerialization, op, "%s: %v has no JSON representation", path, f)
	}
	if f == 0 {
		buf.WriteByte('0')
		return nil
	}

	format := byte('f')
	if abs := math.Abs(f); abs < 1e-6 || abs >= 1e21 {
		format = 'e'
	}
	b := strconv.AppendFloat(nil, f, format, -1, bits)
	if format == 'e' {
		// e-07 -> e-7
		n := len(b)
		if n >= 4 && b[n-4] == 'e' && b[n-3] == '-' && b[n-2] == '0' {
			b[n-2] = b[n-1]
			b = b[:n-1]
		}
	}
	buf.Write(b)
	return nil
}

// maxSafeInt is the largest integer a double holds exactly.
const maxSafeInt = 1 << 53

func encodeInt(buf *bytes.Buffer, i int64) {
	if i >= -maxSafeInt && i <= maxSafeInt {
		buf.WriteString(strconv.FormatInt(i, 10))
		return
	}
	// Finite, never fails.
	_ = encodeFloat(buf, float64(i), 64, "")
}

func encodeUint(buf *bytes.Buffer, u uint64) {
	if u <= maxSafeInt {
		buf.WriteString(strconv.FormatUint(u, 10))
		return
	}
	_ = encodeFloat(buf, float64(u), 64, "")
}

func encodeNumber(buf *bytes.Buffer, n json.Number, path string) error {
	if i, err := n.Int64(); err == nil {
		encodeInt(buf, i)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fault.Wrapf(fault.KindSerialization, op, err, "%s: invalid number %q", path, string(n))
	}
	return encodeFloat(buf, f, 64, path)
}
