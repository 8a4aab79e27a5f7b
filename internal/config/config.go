// Package config discovers and reads the INI configuration shared by the
// supervisor and the backend, and turns it into Settings.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/ini.v1"

	"github.com/nantic/servctl/internal/env"
	"github.com/nantic/servctl/internal/errs"
	"github.com/nantic/servctl/internal/inifmt"
	"github.com/nantic/servctl/internal/logmon"
	"github.com/nantic/servctl/internal/pidfile"
)

// EnvConfig names the environment variable consulted last during discovery.
const EnvConfig = "TRYTOND_CONFIG"

// DefaultStartupTimeout bounds the wait for a startup sentinel.
const DefaultStartupTimeout = 2 * time.Minute

// Settings is everything the orchestrator needs to know about a project.
type Settings struct {
	Root       string
	ConfigPath string
	Database   string

	Dev     bool
	Cron    bool
	Verbose bool

	LogConf       string
	LogFile       string
	PIDFile       string // base pidfile; see PIDFiles
	JasperPIDFile string

	Workers       int // 0 unless multiprocess
	NginxTemplate string
	DocPort       string
	Certificate   string
	PrivateKey    string
	TmpDir        string

	ReadySentinels  []string
	FatalSentinels  []string
	StartupTimeout  time.Duration
	HealthCheck     string
	HistoryDSN      string
	MetricsTextfile string
	ConsoleCmd      string
	ProxyBin        string
	TemplateEngine  string // "jinja" (default) or "text"

	Env env.Vars // [env] section, passed to every worker
}

// Defaults returns the settings of a project at root with no config file.
func Defaults(root string) *Settings {
	return &Settings{
		Root:           root,
		LogFile:        filepath.Join(root, "server.log"),
		PIDFile:        filepath.Join(root, "trytond.pid"),
		JasperPIDFile:  filepath.Join(root, "jasper.pid"),
		TmpDir:         os.TempDir(),
		ReadySentinels: []string{logmon.DefaultReadySentinel},
		FatalSentinels: []string{logmon.DefaultFatalSentinel},
		StartupTimeout: DefaultStartupTimeout,
	}
}

// Multi reports whether workers are fanned out behind a proxy.
func (s *Settings) Multi() bool { return s.Workers > 0 }

// PIDFiles returns the pidfile of every worker: <pidfile>.1..W in
// multiprocess mode, the base pidfile otherwise.
func (s *Settings) PIDFiles() []string {
	if s.Multi() {
		return pidfile.Numbered(s.PIDFile, s.Workers)
	}
	return []string{s.PIDFile}
}

// Load reads the config file at path on top of Defaults(root). A missing
// file leaves the defaults in place. database is the database given on the
// command line; it wins over [database] uri.
func Load(path, root, database string) (*Settings, error) {
	s := Defaults(root)
	s.ConfigPath = path
	s.Database = database

	v, err := readINI(path)
	if err != nil {
		return nil, err
	}

	s.Dev = flag(v, "optional.dev")
	s.Cron = flag(v, "optional.cron")
	s.Verbose = flag(v, "optional.verbose")

	if lc := v.GetString("optional.logconf"); lc != "" {
		s.LogConf = lc
		lf, err := LogFileFromLogConf(lc)
		if err != nil {
			return nil, err
		}
		s.LogFile = lf
	}

	if uri := v.GetString("database.uri"); uri != "" && s.Database == "" {
		s.Database = databaseFromURI(uri)
	}

	explicitPID := v.GetString("optional.pidfile")
	if explicitPID != "" {
		s.PIDFile = explicitPID
	}
	if jp := v.GetString("jasper.pid"); jp != "" {
		s.JasperPIDFile = jp
	}

	s.NginxTemplate = v.GetString("optional.nginx_tmpl")
	s.Certificate = v.GetString("ssl.certificate")
	s.PrivateKey = v.GetString("ssl.privatekey")
	if w := v.GetString("optional.workers"); w != "" && w != "False" && s.NginxTemplate != "" && s.NginxTemplate != "False" {
		n, err := strconv.Atoi(strings.TrimSpace(w))
		if err != nil || n < 0 {
			return nil, errs.Configf("invalid workers value %q: it has to be a number or 'False'", w)
		}
		if n > 0 && explicitPID == "" {
			return nil, errs.Configf("[multiprocess] pid file path definition is needed")
		}
		s.Workers = n
		s.DocPort = v.GetString("optional.doc_port")
	}

	if r := v.GetString("optional.ready_sentinel"); r != "" {
		s.ReadySentinels = splitList(r)
	}
	if f := v.GetString("optional.fatal_sentinel"); f != "" {
		s.FatalSentinels = splitList(f)
	}
	if t := v.GetString("optional.startup_timeout"); t != "" {
		d, err := parseDuration(t)
		if err != nil {
			return nil, errs.Configf("invalid startup_timeout %q", t)
		}
		s.StartupTimeout = d
	}
	if td := v.GetString("optional.tmp_dir"); td != "" {
		s.TmpDir = td
	}
	s.HealthCheck = v.GetString("optional.health_check")
	s.HistoryDSN = v.GetString("optional.history_dsn")
	s.MetricsTextfile = v.GetString("optional.metrics_textfile")
	s.ConsoleCmd = v.GetString("optional.console_cmd")
	s.ProxyBin = v.GetString("optional.proxy_bin")
	s.TemplateEngine = strings.ToLower(strings.TrimSpace(v.GetString("optional.template_engine")))

	if s.Env, err = env.Load(path); err != nil {
		return nil, err
	}
	return s, nil
}

// readINI loads path into a viper instance keyed "section.key". Missing
// files yield an empty instance.
func readINI(path string) (*viper.Viper, error) {
	v := viper.New()
	if path == "" {
		return v, nil
	}
	if st, err := os.Stat(path); err != nil || st.IsDir() {
		return v, nil
	}
	f, err := inifmt.Load(path)
	if err != nil {
		return nil, errs.Wrap("parse config", path, fmt.Errorf("%w: %v", errs.ErrConfig, err))
	}
	m := make(map[string]any)
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		kv := make(map[string]any, len(sec.Keys()))
		for _, k := range sec.Keys() {
			kv[k.Name()] = k.Value()
		}
		m[strings.ToLower(sec.Name())] = kv
	}
	if err := v.MergeConfigMap(m); err != nil {
		return nil, errs.Wrap("load config", path, err)
	}
	return v, nil
}

// flag mirrors the backend convention: a present key is true unless its
// value is "false" in any case.
func flag(v *viper.Viper, key string) bool {
	if !v.IsSet(key) {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(v.GetString(key)), "false")
}

func databaseFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

var logconfArgs = regexp.MustCompile(`^\('([0-9a-zA-Z/.\-_]+)',.*$`)

// LogFileFromLogConf returns the log path configured by the backend logging
// file: the first argument of [handler_trfhand] args.
func LogFileFromLogConf(path string) (string, error) {
	f, err := inifmt.Load(path)
	if err != nil {
		return "", errs.Wrap("read logconf", path, fmt.Errorf("%w: %v", errs.ErrConfig, err))
	}
	args := strings.TrimSpace(f.Section("handler_trfhand").Key("args").String())
	return logFileFromArgs(path, args)
}

func logFileFromArgs(path, args string) (string, error) {
	m := logconfArgs.FindStringSubmatch(args)
	if m == nil {
		return "", errs.Wrap("read logconf", path, errs.Configf("[handler_trfhand] args %q does not name a log file", args))
	}
	return m[1], nil
}

// Discovery locates the config file.
type Discovery struct {
	Root     string
	Name     string // --config NAME selects <root>/server-NAME.cfg
	File     string // --config-file F selects <root>/F
	Instance string // defaults to the base name of Root
	FQDN     func() string
	Log      *slog.Logger
}

// Discover returns the config path. Name and File are mutually exclusive.
// Without either, the first existing of /etc/trytond/<instance>.conf,
// <root>/server-<fqdn>.cfg, <root>/trytond.conf and $TRYTOND_CONFIG wins;
// when none exists the last candidate is returned.
func Discover(d Discovery) (string, error) {
	if d.Name != "" && d.File != "" {
		return "", errs.Usagef("--config and --config-file options are mutually exclusive")
	}
	if d.Name != "" {
		return filepath.Join(d.Root, "server-"+d.Name+".cfg"), nil
	}
	if d.File != "" {
		return filepath.Join(d.Root, d.File), nil
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	instance := d.Instance
	if instance == "" {
		instance = filepath.Base(d.Root)
	}
	fqdn := ""
	if d.FQDN != nil {
		fqdn = d.FQDN()
	}
	env := viper.New()
	_ = env.BindEnv("config", EnvConfig)

	candidates := []string{
		filepath.Join("/etc/trytond", instance+".conf"),
		filepath.Join(d.Root, "server-"+fqdn+".cfg"),
		filepath.Join(d.Root, "trytond.conf"),
		env.GetString("config"),
	}
	var last string
	for _, c := range candidates {
		if c == "" {
			continue
		}
		last = c
		log.Debug("checking config", "path", c)
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return last, nil
}

// ResolveRoot returns the absolute project root for dir. A utils checkout
// inside the project resolves to its parent.
func ResolveRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if filepath.Base(abs) == "utils" {
		abs = filepath.Dir(abs)
	}
	return abs, nil
}
