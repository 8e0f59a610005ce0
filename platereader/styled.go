package platereader

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// rightMargin is the widest an array may get before its elements go on
// lines of their own.
const rightMargin = 74

// styledWriter lays JSON out the way the service's reference client prints
// it: tab indentation, "key" : value, keys sorted, short scalar arrays on one
// line and nested containers starting on a new line.
type styledWriter struct {
	buf          bytes.Buffer
	indentString string
	indented     bool

	// while measuring an array, scalars are collected instead of written
	addChildValues bool
	childValues    []string
}

// styleJSON reformats body. It fails when body is not a single JSON value.
func styleJSON(body []byte) ([]byte, error) {
	if !json.Valid(body) {
		return nil, errors.New("invalid JSON")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root interface{}
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}

	w := &styledWriter{indented: true}
	w.writeValue(root)
	return w.buf.Bytes(), nil
}

func (w *styledWriter) writeValue(v interface{}) {
	switch x := v.(type) {
	case nil:
		w.pushValue("null")
	case bool:
		w.pushValue(strconv.FormatBool(x))
	case json.Number:
		w.pushValue(formatNumber(x))
	case string:
		w.pushValue(quoteString(x))
	case []interface{}:
		w.writeArray(x)
	case map[string]interface{}:
		w.writeObject(x)
	default:
		w.pushValue(fmt.Sprint(x))
	}
}

func (w *styledWriter) writeObject(obj map[string]interface{}) {
	if len(obj) == 0 {
		w.pushValue("{}")
		return
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.writeWithIndent("{")
	w.indent()
	for i, k := range keys {
		w.writeWithIndent(quoteString(k))
		w.buf.WriteString(" : ")
		w.writeValue(obj[k])
		if i < len(keys)-1 {
			w.buf.WriteString(",")
		}
	}
	w.unindent()
	w.writeWithIndent("}")
}

func (w *styledWriter) writeArray(arr []interface{}) {
	if len(arr) == 0 {
		w.pushValue("[]")
		return
	}

	if !w.isMultilineArray(arr) {
		w.buf.WriteString("[ ")
		w.buf.WriteString(strings.Join(w.childValues, ", "))
		w.buf.WriteString(" ]")
		return
	}

	children := w.childValues
	w.writeWithIndent("[")
	w.indent()
	for i, v := range arr {
		if len(children) > 0 {
			w.writeWithIndent(children[i])
		} else {
			if !w.indented {
				w.writeIndent()
			}
			w.indented = true
			w.writeValue(v)
			w.indented = false
		}
		if i < len(arr)-1 {
			w.buf.WriteString(",")
		}
	}
	w.unindent()
	w.writeWithIndent("]")
}

// isMultilineArray reports whether arr needs one line per element. When it
// does not, the rendered elements are left in childValues.
func (w *styledWriter) isMultilineArray(arr []interface{}) bool {
	multi := len(arr)*3 >= rightMargin
	w.childValues = nil
	for i := 0; i < len(arr) && !multi; i++ {
		switch c := arr[i].(type) {
		case []interface{}:
			multi = len(c) > 0
		case map[string]interface{}:
			multi = len(c) > 0
		}
	}
	if multi {
		return true
	}

	w.childValues = make([]string, 0, len(arr))
	w.addChildValues = true
	lineLength := 4 + (len(arr)-1)*2
	for _, v := range arr {
		w.writeValue(v)
	}
	w.addChildValues = false
	for _, s := range w.childValues {
		lineLength += len(s)
	}
	return lineLength >= rightMargin
}

func (w *styledWriter) pushValue(s string) {
	if w.addChildValues {
		w.childValues = append(w.childValues, s)
		return
	}
	w.buf.WriteString(s)
}

func (w *styledWriter) writeIndent() {
	w.buf.WriteByte('\n')
	w.buf.WriteString(w.indentString)
}

func (w *styledWriter) writeWithIndent(s string) {
	if !w.indented {
		w.writeIndent()
	}
	w.buf.WriteString(s)
	w.indented = false
}

func (w *styledWriter) indent() {
	w.indentString += "\t"
}

func (w *styledWriter) unindent() {
	w.indentString = w.indentString[:len(w.indentString)-1]
}

// formatNumber keeps integers exact and prints everything else with 17
// significant digits, always with a decimal point or exponent.
func formatNumber(n json.Number) string {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return strconv.FormatUint(u, 10)
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	out := strconv.FormatFloat(f, 'g', 17, 64)
	if !strings.ContainsAny(out, ".e") {
		out += ".0"
	}
	return out
}

// quoteString escapes control characters and everything outside ASCII.
func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			switch {
			case r < 0x20 || (r >= 0x80 && r < 0x10000):
				fmt.Fprintf(&b, `\u%04x`, r)
			case r >= 0x10000:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(&b, `\u%04x\u%04x`, hi, lo)
			default:
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
