// Package inifmt holds the INI dialect shared by every reader and writer of
// the server configuration: the one Python's configparser understands.
// Keys are case-insensitive, ';' and '#' inside a value are kept, and a value
// continues on following lines that start with whitespace.
package inifmt

import (
	"bufio"
	"io"
	"strings"

	"gopkg.in/ini.v1"
)

// Options returns the load options for configparser files.
func Options() ini.LoadOptions {
	return ini.LoadOptions{
		InsensitiveKeys:            true,
		IgnoreInlineComment:        true,
		AllowPythonMultilineValues: true,
	}
}

// CaseSensitiveOptions is Options with key case preserved, for sections such
// as [env] whose keys are environment variable names.
func CaseSensitiveOptions() ini.LoadOptions {
	o := Options()
	o.InsensitiveKeys = false
	return o
}

// Load parses source, a path or []byte, with Options.
func Load(source any) (*ini.File, error) {
	return ini.LoadSources(Options(), source)
}

// continuation indents the second and later lines of a multi-line value.
const continuation = "    "

// Write renders f in configparser syntax. Multi-line values are written as
// indented continuation lines, never quoted, and an empty DEFAULT section is
// left out.
func Write(w io.Writer, f *ini.File) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
	first := true
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		if !first {
			cw.WriteString("\n")
		}
		first = false
		cw.WriteString("[" + sec.Name() + "]\n")
		for _, k := range sec.Keys() {
			writeKey(cw, k.Name(), k.Value())
		}
	}
	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, cw.w.Flush()
}

func writeKey(cw *countingWriter, name, value string) {
	lines := strings.Split(value, "\n")
	head := strings.TrimSpace(lines[0])
	if head == "" {
		cw.WriteString(name + " =\n")
	} else {
		cw.WriteString(name + " = " + head + "\n")
	}
	for _, l := range lines[1:] {
		if strings.TrimSpace(l) == "" {
			continue
		}
		cw.WriteString(continuation + strings.TrimLeft(l, " \t\f") + "\n")
	}
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) WriteString(s string) {
	if c.err != nil {
		return
	}
	n, err := c.w.WriteString(s)
	c.n += int64(n)
	c.err = err
}
