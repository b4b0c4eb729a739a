package wire

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Marshal encodes v into the exchange wire format.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a single wire value from data. Trailing bytes after
// the value are an error: a valid body is exactly one value.
func Unmarshal(data []byte) (any, error) {
	d := &decoder{data: data}
	v, err := d.decode()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.data) {
		return nil, fmt.Errorf("wire: %d trailing bytes after value", len(d.data)-d.pos)
	}
	return v, nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte('n')
	case bool:
		if x {
			buf.WriteString("b1")
		} else {
			buf.WriteString("b0")
		}
	case int:
		writeInt(buf, int64(x))
	case int8:
		writeInt(buf, int64(x))
	case int16:
		writeInt(buf, int64(x))
	case int32:
		writeInt(buf, int64(x))
	case int64:
		writeInt(buf, x)
	case uint:
		writeInt(buf, int64(x))
	case uint8:
		writeInt(buf, int64(x))
	case uint16:
		writeInt(buf, int64(x))
	case uint32:
		writeInt(buf, int64(x))
	case float32:
		return writeFloat(buf, float64(x))
	case float64:
		return writeFloat(buf, x)
	case string:
		buf.WriteByte('u')
		buf.WriteString(strconv.Itoa(len(x)))
		buf.WriteByte(':')
		buf.WriteString(x)
	case []byte:
		buf.WriteByte('s')
		buf.WriteString(strconv.Itoa(len(x)))
		buf.WriteByte(':')
		buf.Write(x)
	case []any:
		buf.WriteByte('l')
		buf.WriteString(strconv.Itoa(len(x)))
		buf.WriteByte(';')
		for _, elt := range x {
			if err := encode(buf, elt); err != nil {
				return err
			}
		}
	case []string:
		buf.WriteByte('l')
		buf.WriteString(strconv.Itoa(len(x)))
		buf.WriteByte(';')
		for _, elt := range x {
			if err := encode(buf, elt); err != nil {
				return err
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('d')
		buf.WriteString(strconv.Itoa(len(keys)))
		buf.WriteByte(';')
		for _, k := range keys {
			if err := encode(buf, k); err != nil {
				return err
			}
			if err := encode(buf, x[k]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("wire: cannot encode value of type %T", v)
	}
	return nil
}

func writeInt(buf *bytes.Buffer, n int64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte(';')
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	// The grammar is ascii-decimal only; NaN and the infinities have no
	// representation the server would accept.
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("wire: cannot encode non-finite float %v", f)
	}
	buf.WriteByte('f')
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	buf.WriteByte(';')
	return nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) decode() (any, error) {
	if d.pos >= len(d.data) {
		return nil, fmt.Errorf("wire: truncated input at offset %d", d.pos)
	}
	tag := d.data[d.pos]
	d.pos++
	switch tag {
	case 'n':
		return nil, nil
	case 'b':
		return d.decodeBool()
	case 'i':
		text, err := d.readUntil(';')
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("wire: bad integer %q: %w", text, err)
		}
		return n, nil
	case 'f':
		text, err := d.readUntil(';')
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("wire: bad float %q", text)
		}
		return f, nil
	case 'u':
		raw, err := d.readSized()
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case 's':
		raw, err := d.readSized()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	case 'l':
		count, err := d.readCount()
		if err != nil {
			return nil, err
		}
		list := make([]any, 0, count)
		for i := 0; i < count; i++ {
			elt, err := d.decode()
			if err != nil {
				return nil, err
			}
			list = append(list, elt)
		}
		return list, nil
	case 'd':
		count, err := d.readCount()
		if err != nil {
			return nil, err
		}
		dict := make(map[string]any, count)
		for i := 0; i < count; i++ {
			rawKey, err := d.decode()
			if err != nil {
				return nil, err
			}
			var key string
			switch k := rawKey.(type) {
			case string:
				key = k
			case []byte:
				key = string(k)
			default:
				return nil, fmt.Errorf("wire: dictionary key of type %T", rawKey)
			}
			val, err := d.decode()
			if err != nil {
				return nil, err
			}
			dict[key] = val
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("wire: unknown tag %q at offset %d", tag, d.pos-1)
	}
}

func (d *decoder) decodeBool() (any, error) {
	if d.pos >= len(d.data) {
		return nil, fmt.Errorf("wire: truncated boolean")
	}
	c := d.data[d.pos]
	d.pos++
	switch c {
	case '0':
		return false, nil
	case '1':
		return true, nil
	}
	return nil, fmt.Errorf("wire: bad boolean byte %q", c)
}

// readUntil consumes bytes up to (and including) the delimiter and
// returns the bytes before it.
func (d *decoder) readUntil(delim byte) (string, error) {
	idx := bytes.IndexByte(d.data[d.pos:], delim)
	if idx < 0 {
		return "", fmt.Errorf("wire: missing %q delimiter", delim)
	}
	text := string(d.data[d.pos : d.pos+idx])
	d.pos += idx + 1
	return text, nil
}

func (d *decoder) readCount() (int, error) {
	text, err := d.readUntil(';')
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(text)
	if err != nil || count < 0 {
		return 0, fmt.Errorf("wire: bad element count %q", text)
	}
	// A container cannot hold more elements than there are bytes left.
	if count > len(d.data)-d.pos {
		return 0, fmt.Errorf("wire: declared count %d exceeds remaining input", count)
	}
	return count, nil
}

func (d *decoder) readSized() ([]byte, error) {
	text, err := d.readUntil(':')
	if err != nil {
		return nil, err
	}
	size, err := strconv.Atoi(text)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("wire: bad length %q", text)
	}
	if size > len(d.data)-d.pos {
		return nil, fmt.Errorf("wire: declared length %d exceeds remaining input", size)
	}
	raw := d.data[d.pos : d.pos+size]
	d.pos += size
	return raw, nil
}
