package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// printer writes either the JSON encoding of a value or a text rendering.
type printer struct {
	format string
	out    io.Writer
}

func newPrinter(opts *RootOptions, out io.Writer) printer {
	return printer{format: opts.Format, out: out}
}

func (p printer) emit(value any, text func(io.Writer)) error {
	if p.format == "json" {
		encoder := json.NewEncoder(p.out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	}
	text(p.out)
	return nil
}

func (p printer) line(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}
