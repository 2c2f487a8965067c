// Package jsonutil prints structs field by field for the command line.
package jsonutil

import (
	"bytes"
	"sort"

	"github.com/fatih/structs"
	"github.com/hokaccha/go-prettyjson"
)

// Printer writes one "Name: value" line per exported struct field, sorted by name.
// Values are compact JSON.
type Printer struct {
	f *prettyjson.Formatter
}

// NewPrinter returns a Printer. Colors are added when color is true.
func NewPrinter(color bool) *Printer {
	f := prettyjson.NewFormatter()
	f.Indent = 0
	f.Newline = ""
	f.DisabledColor = !color
	return &Printer{f: f}
}

// Marshal formats the struct v. Nested structs are printed as JSON objects on the same line.
func (p *Printer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	m := structs.Map(v)
	names := make([]string, 0, len(m))
	for _, f := range structs.Fields(v) {
		if f.IsExported() {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		val, ok := m[name]
		if !ok {
			continue
		}
		b, err := p.f.Marshal(val)
		if err != nil {
			return nil, err
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

var colored = NewPrinter(true)

// MarshalCompactPretty formats the struct v in compact JSON with colors.
func MarshalCompactPretty(v any) ([]byte, error) {
	return colored.Marshal(v)
}
