package fanout

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio/v2"
	"gopkg.in/ini.v1"

	"github.com/nantic/servctl/internal/errs"
	"github.com/nantic/servctl/internal/inifmt"
)

// ListenSections is the closed set of sections whose "listen" key is rewritten
// per worker. Every other section is copied verbatim.
var ListenSections = []string{"jsonrpc", "xmlrpc", "webdav"}

// SupervisorSection holds keys consumed by the supervisor only; it is not
// passed on to worker configs.
const SupervisorSection = "optional"

// ListenKey is the key that holds host:port in a listening section.
const ListenKey = "listen"

// PortReserver hands out distinct free ports.
type PortReserver interface {
	Reserve(n int) ([]int, error)
}

// Source is the parsed INI configuration every worker config is derived from.
type Source struct {
	Path string
	file *ini.File
}

// Load parses the INI file at path.
func Load(path string) (*Source, error) {
	f, err := inifmt.Load(path)
	if err != nil {
		return nil, errs.Wrap("load source config", path, fmt.Errorf("%w: %v", errs.ErrConfig, err))
	}
	return &Source{Path: path, file: f}, nil
}

// Parse parses INI data held in memory.
func Parse(data []byte) (*Source, error) {
	f, err := inifmt.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}
	return &Source{file: f}, nil
}

// Config returns the source as a WorkerConfig with index 0. The returned value
// shares nothing with the source.
func (s *Source) Config() *WorkerConfig {
	return &WorkerConfig{file: cloneFile(s.file, nil, false)}
}

// WorkerConfig is one ordered section -> key/value configuration.
type WorkerConfig struct {
	// Index is the 1-based worker number, 0 for the unmodified source.
	Index int
	file  *ini.File
}

// Sections lists section names in file order.
func (c *WorkerConfig) Sections() []string {
	out := make([]string, 0, len(c.file.Sections()))
	for _, sec := range c.file.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		out = append(out, sec.Name())
	}
	return out
}

// Get returns the value of section.key.
func (c *WorkerConfig) Get(section, key string) (string, bool) {
	sec, err := c.file.GetSection(section)
	if err != nil || !sec.HasKey(key) {
		return "", false
	}
	return sec.Key(key).String(), true
}

// Listen returns the host and port of a listening section.
func (c *WorkerConfig) Listen(section string) (string, int, bool) {
	v, ok := c.Get(section, ListenKey)
	if !ok {
		return "", 0, false
	}
	host, port, err := splitListen(v)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}

// WriteTo writes the configuration in the syntax the backend parses.
func (c *WorkerConfig) WriteTo(w io.Writer) (int64, error) {
	return inifmt.Write(w, c.file)
}

// Bytes returns the INI rendering.
func (c *WorkerConfig) Bytes() []byte {
	var buf bytes.Buffer
	_, _ = c.WriteTo(&buf)
	return buf.Bytes()
}

// SectionPorts describes one listening section: the main port the proxy
// exposes and the per-worker ports behind it.
type SectionPorts struct {
	Main    int
	Workers []int
}

// PortAssignment maps listening sections to their ports. It is built once per
// start and never modified afterwards; accessors return copies.
type PortAssignment struct {
	order []string
	m     map[string]SectionPorts
}

// Sections returns the listening sections in source order.
func (p PortAssignment) Sections() []string { return append([]string(nil), p.order...) }

// Get returns a copy of the ports for section.
func (p PortAssignment) Get(section string) (SectionPorts, bool) {
	sp, ok := p.m[section]
	if !ok {
		return SectionPorts{}, false
	}
	return SectionPorts{Main: sp.Main, Workers: append([]int(nil), sp.Workers...)}, true
}

// Len is the number of listening sections.
func (p PortAssignment) Len() int { return len(p.order) }

// WorkerPorts returns every per-worker port across all sections.
func (p PortAssignment) WorkerPorts() []int {
	var out []int
	for _, s := range p.order {
		out = append(out, p.m[s].Workers...)
	}
	return out
}

// Result is the outcome of a fan-out.
type Result struct {
	// Multi is false in single-process mode, where Configs holds only the source.
	Multi   bool
	Configs []*WorkerConfig
	Ports   PortAssignment
}

// Fanout derives one WorkerConfig per worker from src. Each listening
// section's port is replaced by a port from ports, unique across all workers
// and sections. With workers <= 0 the source is returned unchanged.
func Fanout(src *Source, workers int, ports PortReserver) (*Result, error) {
	if workers <= 0 {
		return &Result{Configs: []*WorkerConfig{src.Config()}}, nil
	}

	type listening struct {
		name string
		host string
		main int
	}
	var sections []listening
	for _, sec := range src.file.Sections() {
		if !isListenSection(sec.Name()) || !sec.HasKey(ListenKey) {
			continue
		}
		host, port, err := splitListen(sec.Key(ListenKey).String())
		if err != nil {
			return nil, errs.Configf("section %s: %v", sec.Name(), err)
		}
		sections = append(sections, listening{name: sec.Name(), host: host, main: port})
	}

	free, err := ports.Reserve(workers * len(sections))
	if err != nil {
		return nil, err
	}

	assign := PortAssignment{m: make(map[string]SectionPorts, len(sections))}
	for _, l := range sections {
		assign.order = append(assign.order, l.name)
		assign.m[l.name] = SectionPorts{Main: l.main}
	}

	res := &Result{Multi: true, Ports: assign}
	next := 0
	for w := 1; w <= workers; w++ {
		over := make(map[string]string, len(sections))
		for _, l := range sections {
			port := free[next]
			next++
			sp := assign.m[l.name]
			sp.Workers = append(sp.Workers, port)
			assign.m[l.name] = sp
			over[l.name] = net.JoinHostPort(l.host, strconv.Itoa(port))
		}
		res.Configs = append(res.Configs, &WorkerConfig{Index: w, file: cloneFile(src.file, over, true)})
	}
	return res, nil
}

// WriteFile writes c to <dir>/<base>.<index> atomically and returns the path.
func WriteFile(dir, base string, c *WorkerConfig) (string, error) {
	path := filepath.Join(dir, base+"."+strconv.Itoa(c.Index))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", errs.Wrap("write worker config", path, fmt.Errorf("%w: %v", errs.ErrConfig, err))
	}
	if err := renameio.WriteFile(path, c.Bytes(), 0o640); err != nil {
		return "", errs.Wrap("write worker config", path, fmt.Errorf("%w: %v", errs.ErrConfig, err))
	}
	return path, nil
}

// WriteFiles writes every worker config. The returned slice is aligned with
// r.Configs; a failed worker gets an empty path and its error is joined into
// the returned error. Other workers are unaffected.
func (r *Result) WriteFiles(dir, base string) ([]string, error) {
	paths := make([]string, len(r.Configs))
	var errList []error
	for i, c := range r.Configs {
		p, err := WriteFile(dir, base, c)
		if err != nil {
			errList = append(errList, err)
			continue
		}
		paths[i] = p
	}
	return paths, errors.Join(errList...)
}

func isListenSection(name string) bool {
	for _, s := range ListenSections {
		if s == name {
			return true
		}
	}
	return false
}

func splitListen(v string) (string, int, error) {
	host, p, err := net.SplitHostPort(v)
	if err != nil {
		return "", 0, fmt.Errorf("listen %q: %w", v, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("listen %q: invalid port", v)
	}
	return host, port, nil
}

// cloneFile copies f section by section. Listen values of sections present in
// over are replaced. With dropSupervisor, the supervisor-only section is left out.
func cloneFile(f *ini.File, over map[string]string, dropSupervisor bool) *ini.File {
	out := ini.Empty(inifmt.Options())
	for _, sec := range f.Sections() {
		name := sec.Name()
		if dropSupervisor && name == SupervisorSection {
			continue
		}
		if name == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		dst, err := out.GetSection(name)
		if err != nil {
			dst, _ = out.NewSection(name)
		}
		for _, k := range sec.Keys() {
			v := k.Value()
			if k.Name() == ListenKey {
				if repl, ok := over[name]; ok {
					v = repl
				}
			}
			_, _ = dst.NewKey(k.Name(), v)
		}
	}
	return out
}
