package proxy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"text/template"

	"github.com/flosch/pongo2/v6"
	"github.com/google/renameio/v2"
	"github.com/tklauser/go-sysconf"

	"github.com/nantic/servctl/internal/errs"
	"github.com/nantic/servctl/internal/fanout"
)

// Server is one backend the proxy forwards to.
type Server struct {
	Host string
	Port int
}

// Context is the data a proxy template is rendered with.
type Context struct {
	WorkerProcesses int      // proxy worker process count, usually the CPU count
	PID             string   // proxy pidfile path
	ServerName      string   // public-facing host name
	Port            int      // main port of the section
	Servers         []Server // per-worker backends
	DocPort         string   // optional documentation port
	Root            string   // project root
	Certificate     string   // "ssl_certificate <path>;" or empty
	PrivateKey      string   // "ssl_certificate_key <path>;" or empty
}

// TLS holds the optional certificate paths declared in the source config.
type TLS struct {
	Certificate string
	PrivateKey  string
}

// Renderer executes a parsed template.
type Renderer interface {
	Execute(data any) ([]byte, error)
}

// Engine parses template text.
type Engine interface {
	Parse(name, text string) (Renderer, error)
}

// JinjaEngine parses Jinja2 syntax ({{ port }}, {% for s in servers %}) with
// pongo2. Output is never HTML-escaped. Undefined variables render empty.
type JinjaEngine struct{}

type jinjaRenderer struct{ t *pongo2.Template }

func (JinjaEngine) Parse(_, text string) (Renderer, error) {
	t, err := pongo2.FromString("{% autoescape off %}" + text + "{% endautoescape %}")
	if err != nil {
		return nil, err
	}
	return jinjaRenderer{t: t}, nil
}

func (r jinjaRenderer) Execute(data any) ([]byte, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("template data must be a map, got %T", data)
	}
	return r.t.ExecuteBytes(pongo2.Context(m))
}

// TextEngine is the text/template engine. Undefined keys are errors.
type TextEngine struct{}

type textRenderer struct{ t *template.Template }

func (TextEngine) Parse(name, text string) (Renderer, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, err
	}
	return textRenderer{t: t}, nil
}

func (r textRenderer) Execute(data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.t.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EngineFor returns the engine called name: "jinja" or "" for JinjaEngine,
// "text" for TextEngine. Unknown names yield nil, which Render reports as
// errs.ErrTemplateEngineMissing.
func EngineFor(name string) Engine {
	switch name {
	case "", "jinja":
		return JinjaEngine{}
	case "text":
		return TextEngine{}
	}
	return nil
}

// Generator renders reverse-proxy configurations.
type Generator struct {
	Engine      Engine
	ServerName  string // defaults to the host FQDN
	Root        string
	DocPort     string
	TLS         TLS
	CPUs        int    // defaults to the online processor count
	BackendHost string // defaults to "localhost"
}

// NewGenerator returns a Generator rendering Jinja2 templates.
func NewGenerator() *Generator { return &Generator{Engine: JinjaEngine{}} }

// Render renders tmpl with ctx.
//
// Context fields are exposed under the snake_case keys of existing nginx
// templates (worker_processes, pid, server_name, port, servers, doc_port,
// root, certificate, privatekey) and, for TextEngine, under their Go names.
func (g *Generator) Render(name, tmpl string, ctx Context) ([]byte, error) {
	if g == nil || g.Engine == nil {
		return nil, errs.ErrTemplateEngineMissing
	}
	r, err := g.Engine.Parse(name, tmpl)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", errs.ErrRender, name, err)
	}
	out, err := r.Execute(ctx.data())
	if err != nil {
		return nil, fmt.Errorf("%w: execute %s: %v", errs.ErrRender, name, err)
	}
	return out, nil
}

// RenderFile renders the template at tmplPath and writes it to outPath. No
// file is produced when rendering fails.
func (g *Generator) RenderFile(tmplPath, outPath string, ctx Context) error {
	b, err := os.ReadFile(filepath.Clean(tmplPath))
	if err != nil {
		return errs.Wrap("read proxy template", tmplPath, fmt.Errorf("%w: %v", errs.ErrConfig, err))
	}
	out, err := g.Render(filepath.Base(tmplPath), string(b), ctx)
	if err != nil {
		return errs.Wrap("render proxy config", outPath, err)
	}
	if err := renameio.WriteFile(outPath, out, 0o644); err != nil {
		return errs.Wrap("write proxy config", outPath, err)
	}
	return nil
}

// ContextFor builds the render context for one listening section.
func (g *Generator) ContextFor(dir string, sp fanout.SectionPorts) Context {
	cpus := g.CPUs
	if cpus <= 0 {
		cpus = onlineCPUs()
	}
	name := g.ServerName
	if name == "" {
		name = FQDN()
	}
	host := g.BackendHost
	if host == "" {
		host = "localhost"
	}
	ctx := Context{
		WorkerProcesses: cpus,
		PID:             filepath.Join(dir, "nginx."+strconv.Itoa(sp.Main)+".pid"),
		ServerName:      name,
		Port:            sp.Main,
		DocPort:         g.DocPort,
		Root:            g.Root,
	}
	for _, p := range sp.Workers {
		ctx.Servers = append(ctx.Servers, Server{Host: host, Port: p})
	}
	if g.TLS.Certificate != "" {
		ctx.Certificate = "ssl_certificate " + g.TLS.Certificate + ";"
	}
	if g.TLS.PrivateKey != "" {
		ctx.PrivateKey = "ssl_certificate_key " + g.TLS.PrivateKey + ";"
	}
	return ctx
}

// GenerateAll writes one proxy config per listening section of assign into
// dir, named nginx.conf.<main port>, and returns the written paths.
func (g *Generator) GenerateAll(assign fanout.PortAssignment, tmplPath, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errs.Wrap("create proxy config dir", dir, err)
	}
	var paths []string
	for _, section := range assign.Sections() {
		sp, _ := assign.Get(section)
		out := ConfigPath(dir, sp.Main)
		if err := g.RenderFile(tmplPath, out, g.ContextFor(dir, sp)); err != nil {
			return paths, err
		}
		paths = append(paths, out)
	}
	return paths, nil
}

// ConfigPath is where GenerateAll writes the proxy config of the section
// listening on main.
func ConfigPath(dir string, main int) string {
	return filepath.Join(dir, "nginx.conf."+strconv.Itoa(main))
}

func onlineCPUs() int {
	if n, err := sysconf.Sysconf(sysconf.SC_NPROCESSORS_ONLN); err == nil && n > 0 {
		return int(n)
	}
	return runtime.NumCPU()
}

func (c Context) data() map[string]any {
	servers := make([]map[string]any, 0, len(c.Servers))
	for _, s := range c.Servers {
		servers = append(servers, map[string]any{"host": s.Host, "port": s.Port, "Host": s.Host, "Port": s.Port})
	}
	m := map[string]any{
		"WorkerProcesses": c.WorkerProcesses,
		"PID":             c.PID,
		"ServerName":      c.ServerName,
		"Port":            c.Port,
		"Servers":         servers,
		"DocPort":         c.DocPort,
		"Root":            c.Root,
		"Certificate":     c.Certificate,
		"PrivateKey":      c.PrivateKey,
	}
	for goName, key := range snakeNames {
		m[key] = m[goName]
	}
	return m
}

var snakeNames = map[string]string{
	"WorkerProcesses": "worker_processes",
	"PID":             "pid",
	"ServerName":      "server_name",
	"Port":            "port",
	"Servers":         "servers",
	"DocPort":         "doc_port",
	"Root":            "root",
	"Certificate":     "certificate",
	"PrivateKey":      "privatekey",
}
