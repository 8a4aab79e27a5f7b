package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nantic/servctl/internal/errs"
)

func writeFile(t *testing.T, path, data string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	root := t.TempDir()
	s, err := Load(filepath.Join(root, "nope.conf"), root, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.LogFile != filepath.Join(root, "server.log") || s.PIDFile != filepath.Join(root, "trytond.pid") {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.Multi() || len(s.PIDFiles()) != 1 {
		t.Fatalf("defaults must be single mode: %+v", s)
	}
	if s.StartupTimeout != DefaultStartupTimeout || len(s.ReadySentinels) != 1 {
		t.Fatalf("sentinel defaults not applied: %+v", s)
	}
}

func TestLoad_Optional(t *testing.T) {
	root := t.TempDir()
	logconf := writeFile(t, filepath.Join(root, "logging.conf"), `[handler_trfhand]
class = handlers.TimedRotatingFileHandler
args = ('/var/log/erp/server.log', 'D', 1, 30)
`)
	cfg := writeFile(t, filepath.Join(root, "trytond.conf"), `[database]
uri = postgresql://user@localhost:5432/erp_prod

[jsonrpc]
listen = localhost:8000

[optional]
dev = True
cron = false
verbose =
logconf = `+logconf+`
pidfile = /run/erp/trytond.pid
workers = 3
nginx_tmpl = /etc/erp/nginx.tmpl
doc_port = 8100
startup_timeout = 30
health_check = curl -sf http://localhost:8000/
ready_sentinel = Listening
	Update/Init succeed!
template_engine = Text

[ssl]
certificate = /etc/ssl/c.pem
privatekey = /etc/ssl/k.pem

[jasper]
pid = /run/erp/jasper.pid

[env]
PYTHONOPTIMIZE = 1
`)
	s, err := Load(cfg, root, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !s.Dev || s.Cron || !s.Verbose {
		t.Fatalf("flags: dev=%v cron=%v verbose=%v", s.Dev, s.Cron, s.Verbose)
	}
	if s.Database != "erp_prod" {
		t.Fatalf("database from uri: %q", s.Database)
	}
	if s.LogFile != "/var/log/erp/server.log" {
		t.Fatalf("logfile from logconf: %q", s.LogFile)
	}
	if s.Workers != 3 || !s.Multi() || s.DocPort != "8100" {
		t.Fatalf("multiprocess: %+v", s)
	}
	want := []string{"/run/erp/trytond.pid.1", "/run/erp/trytond.pid.2", "/run/erp/trytond.pid.3"}
	got := s.PIDFiles()
	if len(got) != 3 || got[0] != want[0] || got[2] != want[2] {
		t.Fatalf("pidfiles: %v", got)
	}
	if s.JasperPIDFile != "/run/erp/jasper.pid" || s.Certificate != "/etc/ssl/c.pem" || s.PrivateKey != "/etc/ssl/k.pem" {
		t.Fatalf("jasper/ssl: %+v", s)
	}
	if s.StartupTimeout != 30*time.Second || s.HealthCheck == "" {
		t.Fatalf("startup: %+v", s)
	}
	if len(s.ReadySentinels) != 2 || s.ReadySentinels[1] != "Update/Init succeed!" {
		t.Fatalf("ready sentinels: %q", s.ReadySentinels)
	}
	if s.Env["PYTHONOPTIMIZE"] != "1" {
		t.Fatalf("env: %v", s.Env)
	}
	if s.TemplateEngine != "text" {
		t.Fatalf("template engine: %q", s.TemplateEngine)
	}
}

func TestLoad_CommandLineDatabaseWins(t *testing.T) {
	root := t.TempDir()
	cfg := writeFile(t, filepath.Join(root, "trytond.conf"), "[database]\nuri = postgresql:///fromuri\n")
	s, err := Load(cfg, root, "cli")
	if err != nil {
		t.Fatal(err)
	}
	if s.Database != "cli" {
		t.Fatalf("got %q", s.Database)
	}
}

func TestLoad_MultiprocessErrors(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name string
		data string
	}{
		{"no pidfile", "[optional]\nworkers = 2\nnginx_tmpl = /t\n"},
		{"bad workers", "[optional]\nworkers = many\nnginx_tmpl = /t\npidfile = /p\n"},
		{"bad timeout", "[optional]\nstartup_timeout = soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := writeFile(t, filepath.Join(root, tt.name+".conf"), tt.data)
			_, err := Load(cfg, root, "")
			if !errors.Is(err, errs.ErrConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

func TestLoad_WorkersWithoutTemplateStaysSingle(t *testing.T) {
	root := t.TempDir()
	cfg := writeFile(t, filepath.Join(root, "a.conf"), "[optional]\nworkers = 4\npidfile = /p\n")
	s, err := Load(cfg, root, "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Multi() || s.PIDFiles()[0] != "/p" {
		t.Fatalf("expected single mode with explicit pidfile, got %+v", s)
	}
}

func TestLogFileFromLogConf_Invalid(t *testing.T) {
	root := t.TempDir()
	lc := writeFile(t, filepath.Join(root, "l.conf"), "[handler_trfhand]\nargs = (sys.stdout,)\n")
	if _, err := LogFileFromLogConf(lc); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	if _, err := LogFileFromLogConf(filepath.Join(root, "missing.conf")); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("expected config error for missing file, got %v", err)
	}
}

func TestDiscover(t *testing.T) {
	root := filepath.Join(t.TempDir(), "project")
	fqdn := func() string { return "erp.example.com" }

	if _, err := Discover(Discovery{Root: root, Name: "a", File: "b"}); !errors.Is(err, errs.ErrUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if p, _ := Discover(Discovery{Root: root, Name: "test"}); p != filepath.Join(root, "server-test.cfg") {
		t.Fatalf("--config: %s", p)
	}
	if p, _ := Discover(Discovery{Root: root, File: "x.conf"}); p != filepath.Join(root, "x.conf") {
		t.Fatalf("--config-file: %s", p)
	}

	env := writeFile(t, filepath.Join(t.TempDir(), "env.conf"), "")
	t.Setenv(EnvConfig, env)
	if p, _ := Discover(Discovery{Root: root, FQDN: fqdn, Instance: "servctl-test-nonexistent"}); p != env {
		t.Fatalf("env fallback: %s", p)
	}

	local := writeFile(t, filepath.Join(root, "trytond.conf"), "")
	if p, _ := Discover(Discovery{Root: root, FQDN: fqdn, Instance: "servctl-test-nonexistent"}); p != local {
		t.Fatalf("trytond.conf: %s", p)
	}

	host := writeFile(t, filepath.Join(root, "server-erp.example.com.cfg"), "")
	if p, _ := Discover(Discovery{Root: root, FQDN: fqdn, Instance: "servctl-test-nonexistent"}); p != host {
		t.Fatalf("fqdn config: %s", p)
	}
}

func TestResolveRoot(t *testing.T) {
	dir := t.TempDir()
	got, err := ResolveRoot(filepath.Join(dir, "utils"))
	if err != nil || got != dir {
		t.Fatalf("utils parent: %q %v", got, err)
	}
	got, _ = ResolveRoot(dir)
	if got != dir {
		t.Fatalf("plain: %q", got)
	}
}
