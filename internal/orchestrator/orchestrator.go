// Package orchestrator executes the supervisor actions against one project:
// it spawns and stops the backend workers, fronts them with the reverse
// proxy and watches the shared log until startup is decided.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nantic/servctl/internal/config"
	"github.com/nantic/servctl/internal/detector"
	"github.com/nantic/servctl/internal/errs"
	"github.com/nantic/servctl/internal/fanout"
	"github.com/nantic/servctl/internal/history"
	"github.com/nantic/servctl/internal/logger"
	"github.com/nantic/servctl/internal/logmon"
	"github.com/nantic/servctl/internal/metrics"
	"github.com/nantic/servctl/internal/netutil"
	"github.com/nantic/servctl/internal/pgdb"
	"github.com/nantic/servctl/internal/process"
	"github.com/nantic/servctl/internal/proxy"
	servtls "github.com/nantic/servctl/internal/tls"
)

// Action is one supervisor verb.
type Action string

const (
	ActionStart     Action = "start"
	ActionStop      Action = "stop"
	ActionRestart   Action = "restart"
	ActionStatus    Action = "status"
	ActionKill      Action = "kill"
	ActionKRestart  Action = "krestart"
	ActionConfig    Action = "config"
	ActionPS        Action = "ps"
	ActionDB        Action = "db"
	ActionTop       Action = "top"
	ActionBacktrace Action = "backtrace"
	ActionConsole   Action = "console"
)

// Actions lists every action in help order.
var Actions = []Action{
	ActionStart, ActionStop, ActionRestart, ActionStatus, ActionKill, ActionKRestart,
	ActionConfig, ActionPS, ActionDB, ActionTop, ActionBacktrace, ActionConsole,
}

// ParseAction validates s against Actions.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if slices.Contains(Actions, a) {
		return a, nil
	}
	names := make([]string, len(Actions))
	for i, a := range Actions {
		names[i] = string(a)
	}
	return "", errs.Usagef("action must be one of: %s", strings.Join(names, ", "))
}

// NeedsSettings reports whether a runs on loaded settings. config, ps and db
// work even when the config file cannot be parsed.
func (a Action) NeedsSettings() bool {
	switch a {
	case ActionConfig, ActionPS, ActionDB:
		return false
	}
	return true
}

// Command-line patterns matched by kill, ps and stop.
const (
	BackendPattern = "trytond"
	ProxyPattern   = "nginx -c"
	JasperPattern  = "java -Djava.awt.headless=true com.nantic.jasperreports.JasperServer"
	CeleryPattern  = "celery"
)

// DefaultConsoleCmd opens an interactive session on the database. {database}
// and {uri} are substituted.
const DefaultConsoleCmd = "psql {database}"

// DefaultSignalEvery is the interval of the top and backtrace loops.
const DefaultSignalEvery = time.Second

// Killer finds and kills processes by command-line pattern.
type Killer interface {
	Kill(ctx context.Context, pattern, name string) ([]process.KillReport, error)
	List(ctx context.Context, pattern string) ([]process.ProcInfo, error)
}

// Proxy starts and stops the reverse proxy for a set of config files.
type Proxy interface {
	Start(configs []string) error
	Stop(configs []string)
}

// Orchestrator runs actions for one project. Every external effect goes
// through a replaceable field; New wires the real implementations.
type Orchestrator struct {
	Settings *config.Settings
	Extra    []string // passed verbatim to the backend
	Tail     bool     // monitor startup and tail the log
	Follow   bool     // keep tailing after the startup is decided
	Out      io.Writer
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	History  *history.Recorder

	Spawn       func(process.Spec) (process.PidRecord, error)
	StopPIDFile func(log *slog.Logger, path string, warn bool) (process.StopResult, error)
	Status      func(path string) (process.Status, error)
	Signal      func(ctx context.Context, path string, sig syscall.Signal, every time.Duration) error
	Interactive func(ctx context.Context, spec process.Spec) error
	Lines       func(ctx context.Context, path string, opts logmon.Options) <-chan string
	Killer      Killer
	Proxy       Proxy
	Generator   *proxy.Generator
	Ports       fanout.PortReserver
	Catalog     pgdb.Catalog
	Now         func() time.Time

	SignalEvery time.Duration
	Poll        time.Duration // log poll interval, logmon.DefaultPoll when zero

	machine *Machine
}

// New returns an Orchestrator wired to the real process table, proxy
// binary and PostgreSQL cluster.
func New(s *config.Settings, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	gen := proxy.NewGenerator()
	gen.Engine = proxy.EngineFor(s.TemplateEngine)
	gen.Root = s.Root
	gen.DocPort = s.DocPort
	gen.TLS = proxy.TLS{Certificate: s.Certificate, PrivateKey: s.PrivateKey}
	return &Orchestrator{
		Settings:    s,
		Tail:        true,
		Follow:      true,
		Out:         os.Stdout,
		Log:         log,
		Spawn:       process.Start,
		StopPIDFile: process.Stop,
		Status:      process.CheckStatus,
		Signal:      process.SignalLoop,
		Interactive: process.RunInteractive,
		Lines:       logmon.Lines,
		Killer:      process.NewKiller(log),
		Proxy:       &proxy.Controller{Binary: s.ProxyBin, Log: log},
		Generator:   gen,
		Ports:       netutil.NewAllocator(log),
		Catalog:     pgdb.New(""),
		Now:         time.Now,
		SignalEvery: DefaultSignalEvery,
	}
}

// State returns the lifecycle state reached by the last Run.
func (o *Orchestrator) State() State {
	if o.machine == nil {
		return Stopped
	}
	return o.machine.State()
}

// Run executes action. Interrupting ctx while tailing returns nil and leaves
// the workers running.
func (o *Orchestrator) Run(ctx context.Context, action Action) error {
	o.machine = NewMachine(o.detectState())
	o.machine.OnTransition = func(from, to State) {
		o.Log.Debug("state transition", "from", from.String(), "to", to.String())
	}
	defer o.flushMetrics()

	switch action {
	case ActionConfig:
		return o.printConfig()
	case ActionPS:
		return o.ps(ctx)
	case ActionDB:
		return o.db(ctx)
	case ActionTop:
		return o.signalAll(ctx, syscall.SIGUSR1)
	case ActionBacktrace:
		return o.signalAll(ctx, syscall.SIGUSR2)
	case ActionConsole:
		return o.console(ctx)
	case ActionStatus:
		return o.status(ctx)
	case ActionKill:
		return o.killAll(ctx)
	case ActionStop:
		return o.stopAll(ctx)
	case ActionStart, ActionRestart, ActionKRestart:
		return o.start(ctx, action)
	}
	return errs.Usagef("unknown action %q", action)
}

// detectState maps the pidfiles on disk to Running or Stopped.
func (o *Orchestrator) detectState() State {
	if o.Settings == nil || o.Status == nil {
		return Stopped
	}
	if o.runningCount() > 0 {
		return Running
	}
	return Stopped
}

func (o *Orchestrator) runningCount() int {
	n := 0
	for _, p := range o.Settings.PIDFiles() {
		if st, err := o.Status(p); err == nil && st.Running {
			n++
		}
	}
	return n
}

// updateMode reports whether the extra arguments ask for a module update,
// which always runs as a single backend process.
func (o *Orchestrator) updateMode() bool {
	for _, a := range o.Extra {
		if a == "-u" || a == "--all" || strings.HasPrefix(a, "--update") {
			return true
		}
	}
	return false
}

func (o *Orchestrator) multi() bool { return o.Settings.Multi() && !o.updateMode() }

func (o *Orchestrator) ownPIDFiles() []string {
	files := o.Settings.PIDFiles()
	if !o.multi() {
		return files[:1]
	}
	return files
}

func (o *Orchestrator) start(ctx context.Context, action Action) error {
	o.buildDocs()
	switch action {
	case ActionStart:
		if n := o.runningCount(); n > 0 {
			return errs.Usagef("%d worker(s) already running; use restart", n)
		}
	case ActionRestart:
		if err := o.stopAll(ctx); err != nil {
			return err
		}
	case ActionKRestart:
		if err := o.stopAll(ctx); err != nil {
			return err
		}
		if err := o.killAll(ctx); err != nil {
			o.Log.Warn("kill before restart incomplete", "error", err)
		}
	}
	return o.startMonitored(ctx)
}

// startMonitored launches the workers and waits for the startup verdict.
// A fatal or timed-out startup gets exactly one full restart cycle.
func (o *Orchestrator) startMonitored(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if err := o.machine.Transition(Starting); err != nil {
			return err
		}
		if err := o.launch(ctx); err != nil {
			_ = o.machine.Transition(Failed)
			o.record(ctx, history.Event{Type: history.EventFailed, Error: err.Error()})
			return err
		}
		if !o.Tail {
			return nil
		}

		mctx, cancel := context.WithCancel(ctx)
		lines := o.Lines(mctx, o.Settings.LogFile, logmon.Options{Poll: o.Poll, Log: o.Log})
		outcome := o.watcher().Watch(mctx, lines, o.Out)
		o.Metrics.IncOutcome(outcome.String())

		switch outcome {
		case logmon.OutcomeCancelled:
			cancel()
			o.interrupted()
			return nil
		case logmon.OutcomeReady:
			_ = o.machine.Transition(Running)
			o.record(ctx, history.Event{Type: history.EventReady, Detail: "attempt " + strconv.Itoa(attempt)})
			if o.Follow {
				logmon.Follow(mctx, lines, o.Out)
				o.interrupted()
			}
			cancel()
			return nil
		}

		cancel()
		_ = o.machine.Transition(Failed)
		o.record(ctx, history.Event{Type: history.EventFailed, Detail: outcome.String()})
		if attempt > 1 {
			return fmt.Errorf("%w: %s after restart", errs.ErrStartupFailure, outcome)
		}
		o.Log.Warn("startup failed, restarting", "outcome", outcome.String())
		o.Metrics.IncRestart()
		o.record(ctx, history.Event{Type: history.EventRestart, Detail: outcome.String()})
		o.stopOwn(ctx)
	}
}

func (o *Orchestrator) watcher() *logmon.Watcher {
	s := o.Settings
	w := &logmon.Watcher{
		Ready:   s.ReadySentinels,
		Fatal:   s.FatalSentinels,
		Timeout: s.StartupTimeout,
		Log:     o.Log,
	}
	if s.HealthCheck != "" {
		w.Health = detector.CommandDetector{Command: s.HealthCheck}
	}
	return w
}

func (o *Orchestrator) interrupted() {
	fmt.Fprintln(o.Out, "Server monitoring interrupted. Server will continue working...")
}

// launch backs up the log and spawns the workers.
func (o *Orchestrator) launch(ctx context.Context) error {
	s := o.Settings
	if s.LogFile != "" {
		if dst, err := logger.BackupAndRemove(s.LogFile, logger.DefaultKeep, o.Now()); err != nil {
			o.Log.Warn("log backup failed", "log", s.LogFile, "error", err)
		} else if dst != "" {
			o.Log.Debug("log backed up", "log", s.LogFile, "backup", dst)
		}
	}
	dir, err := process.FindBackendDir(s.Root)
	if err != nil {
		return err
	}
	if o.multi() {
		return o.launchMulti(ctx, dir)
	}
	return o.launchSingle(ctx, dir)
}

func (o *Orchestrator) backend(dir, cfg string, cron bool) process.Backend {
	s := o.Settings
	return process.Backend{
		Dir:      dir,
		Config:   cfg,
		LogConf:  s.LogConf,
		Database: s.Database,
		Dev:      s.Dev,
		Cron:     cron,
		Verbose:  s.Verbose,
	}
}

func (o *Orchestrator) launchSingle(ctx context.Context, dir string) error {
	s := o.Settings
	cfg := s.ConfigPath
	if cfg != "" {
		if _, err := os.Stat(cfg); err != nil {
			o.Log.Warn("configuration file not found, starting anyway", "config", cfg)
			cfg = ""
		}
	}
	b := o.backend(dir, cfg, s.Cron)
	b.Extra = o.Extra
	args, err := b.Args()
	if err != nil {
		return err
	}
	return o.spawn(ctx, process.Spec{
		Name:       "trytond",
		Args:       args,
		Env:        s.Env.Environ(nil),
		WorkDir:    s.Root,
		LogFile:    s.LogFile,
		PIDFile:    o.ownPIDFiles()[0],
		ConfigPath: cfg,
	})
}

// launchMulti fans the source config out to the workers. Proxy configs are
// rendered before any worker is spawned so a template error leaves nothing
// running.
func (o *Orchestrator) launchMulti(ctx context.Context, dir string) error {
	s := o.Settings
	src, err := fanout.Load(s.ConfigPath)
	if err != nil {
		return err
	}
	if s.Certificate != "" || s.PrivateKey != "" {
		notAfter, err := servtls.CheckKeyPair(s.Certificate, s.PrivateKey)
		if err != nil {
			return err
		}
		if o.Now().After(notAfter) {
			o.Log.Warn("proxy certificate expired", "certificate", s.Certificate, "not_after", notAfter)
		}
	}
	res, err := fanout.Fanout(src, s.Workers, o.Ports)
	if err != nil {
		return err
	}
	proxies, err := o.Generator.GenerateAll(res.Ports, s.NginxTemplate, s.TmpDir)
	if err != nil {
		return err
	}
	paths, writeErr := res.WriteFiles(s.TmpDir, filepath.Base(s.ConfigPath))
	if writeErr != nil {
		o.Log.Error("worker config write failed", "error", writeErr)
	}

	if len(o.Extra) > 0 {
		o.Log.Warn("extra arguments are not passed to multiprocess workers", "args", strings.Join(o.Extra, " "))
	}
	pidfiles := s.PIDFiles()
	spawned := 0
	for i, cfg := range paths {
		name := "trytond." + strconv.Itoa(i+1)
		if cfg == "" {
			o.Log.Error("worker skipped, no config", "worker", name)
			continue
		}
		b := o.backend(dir, cfg, s.Cron && spawned == 0)
		// workers get the database and, on the first one, cron only
		b.Dev, b.Verbose = false, false
		args, err := b.Args()
		if err != nil {
			return err
		}
		err = o.spawn(ctx, process.Spec{
			Name:       name,
			Args:       args,
			Env:        s.Env.Environ(nil),
			WorkDir:    s.Root,
			LogFile:    s.LogFile,
			PIDFile:    pidfiles[i],
			ConfigPath: cfg,
		})
		if err != nil {
			return err
		}
		spawned++
	}
	if spawned == 0 {
		return errs.Wrap("start workers", s.TmpDir, errors.Join(errs.ErrConfig, writeErr))
	}
	if err := o.Proxy.Start(proxies); err != nil {
		return errs.Wrap("start proxy", "", err)
	}
	return nil
}

func (o *Orchestrator) spawn(ctx context.Context, spec process.Spec) error {
	o.Log.Debug("calling", "worker", spec.Name, "args", strings.Join(spec.Args, " "))
	rec, err := o.Spawn(spec)
	if err != nil {
		o.record(ctx, history.Event{Type: history.EventFailed, Worker: spec.Name, PIDFile: spec.PIDFile, Error: err.Error()})
		return err
	}
	o.Log.Info("worker started", "worker", spec.Name, "pid", rec.PID, "pidfile", rec.Path)
	o.Metrics.IncStart(spec.Name)
	o.record(ctx, history.Event{
		Type:    history.EventStart,
		Worker:  spec.Name,
		PID:     rec.PID,
		PIDFile: rec.Path,
		Config:  spec.ConfigPath,
	})
	return nil
}

// buildDocs daemonizes `make html` in doc/user when that directory exists.
func (o *Orchestrator) buildDocs() {
	root := o.Settings.Root
	dir := filepath.Join(root, "doc", "user")
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		o.Log.Info("No user documentation available.")
		return
	}
	_, err := o.Spawn(process.Spec{
		Name:    "doc",
		Args:    []string{"make", "html"},
		WorkDir: dir,
		LogFile: filepath.Join(root, "doc.log"),
	})
	if err != nil {
		o.Log.Warn("documentation build not started", "error", err)
	}
}

// stopOwn stops the workers and proxies this project starts.
func (o *Orchestrator) stopOwn(ctx context.Context) {
	for _, p := range o.ownPIDFiles() {
		o.stopPIDFile(ctx, p, true)
	}
	if o.multi() {
		o.Proxy.Stop(o.proxyConfigs())
	}
}

// stopAll is the stop action: workers, jasper, celery and proxies.
func (o *Orchestrator) stopAll(ctx context.Context) error {
	for _, p := range o.Settings.PIDFiles() {
		o.stopPIDFile(ctx, p, true)
	}
	if o.Settings.JasperPIDFile != "" {
		o.stopPIDFile(ctx, o.Settings.JasperPIDFile, false)
	}
	reports, err := o.Killer.Kill(ctx, CeleryPattern, "celery")
	o.reportKills(ctx, reports)
	if err != nil {
		o.Log.Warn("celery kill failed", "error", err)
	}
	if o.Settings.Multi() {
		o.Proxy.Stop(o.proxyConfigs())
	}
	if o.machine.State() != Stopped {
		return o.machine.Transition(Stopped)
	}
	return nil
}

func (o *Orchestrator) stopPIDFile(ctx context.Context, path string, warn bool) {
	res, err := o.StopPIDFile(o.Log, path, warn)
	if err != nil {
		o.Log.Error("stop failed", "pidfile", path, "error", err)
		return
	}
	o.Metrics.IncStop(res.String())
	if res == process.Killed || res == process.AlreadyGone {
		o.record(ctx, history.Event{Type: history.EventStop, Worker: filepath.Base(path), PIDFile: path, Detail: res.String()})
	}
}

// proxyConfigs derives the proxy config paths from the source listen ports,
// the same names GenerateAll wrote at start.
func (o *Orchestrator) proxyConfigs() []string {
	src, err := fanout.Load(o.Settings.ConfigPath)
	if err != nil {
		o.Log.Warn("cannot derive proxy configs", "error", err)
		return nil
	}
	cfg := src.Config()
	var out []string
	for _, sec := range cfg.Sections() {
		if !slices.Contains(fanout.ListenSections, sec) {
			continue
		}
		if _, port, ok := cfg.Listen(sec); ok {
			out = append(out, proxy.ConfigPath(o.Settings.TmpDir, port))
		}
	}
	return out
}

func (o *Orchestrator) killAll(ctx context.Context) error {
	targets := []struct{ pattern, name string }{
		{BackendPattern, "trytond"},
		{ProxyPattern, "nginx"},
		{JasperPattern, "jasper"},
	}
	var errList []error
	for _, t := range targets {
		reports, err := o.Killer.Kill(ctx, t.pattern, t.name)
		o.reportKills(ctx, reports)
		if err != nil {
			errList = append(errList, err)
		}
	}
	if o.machine.State() == Running {
		_ = o.machine.Transition(Stopped)
	}
	return errors.Join(errList...)
}

func (o *Orchestrator) reportKills(ctx context.Context, reports []process.KillReport) {
	for _, r := range reports {
		o.Metrics.IncKill(r.Name, r.Outcome.String())
		switch r.Outcome {
		case process.NotFound:
			o.Log.Debug("no process to kill", "name", r.Name)
			continue
		case process.Terminated:
			fmt.Fprintf(o.Out, "Terminated %s process %d.\n", r.Name, r.PID)
		case process.KilledHard:
			fmt.Fprintf(o.Out, "Killed %s process %d.\n", r.Name, r.PID)
		case process.Survived:
			fmt.Fprintf(o.Out, "Could not kill %s process %d.\n", r.Name, r.PID)
		}
		o.record(ctx, history.Event{Type: history.EventKill, Worker: r.Name, PID: r.PID, Detail: r.Outcome.String()})
	}
}

func (o *Orchestrator) status(ctx context.Context) error {
	running := 0
	for i, p := range o.Settings.PIDFiles() {
		st, err := o.Status(p)
		if err != nil {
			fmt.Fprintf(o.Out, "%s: %v\n", p, err)
			continue
		}
		if !st.Running {
			fmt.Fprintf(o.Out, "%s: not running\n", p)
			continue
		}
		running++
		fmt.Fprintf(o.Out, "%s: running (pid %d)\n", p, st.PID)
		o.Metrics.ObserveWorker("trytond."+strconv.Itoa(i+1), st.PID)
	}
	o.Metrics.SetRunning(running)
	if !o.Tail {
		return nil
	}
	lines := o.Lines(ctx, o.Settings.LogFile, logmon.Options{Poll: o.Poll, Log: o.Log})
	logmon.Follow(ctx, lines, o.Out)
	o.interrupted()
	return nil
}

func (o *Orchestrator) printConfig() error {
	b, err := os.ReadFile(filepath.Clean(o.Settings.ConfigPath))
	if err != nil {
		return errs.UnreadableConfig(err)
	}
	_, err = o.Out.Write(b)
	return err
}

func (o *Orchestrator) ps(ctx context.Context) error {
	procs, err := o.Killer.List(ctx, BackendPattern)
	if err != nil {
		return err
	}
	for _, p := range procs {
		fmt.Fprintf(o.Out, "%d %s\n", p.PID, p.Cmdline)
	}
	return nil
}

func (o *Orchestrator) db(ctx context.Context) error {
	dbs, err := o.Catalog.Databases(ctx)
	if err != nil {
		return errs.Wrap("list databases", "", err)
	}
	tw := tabwriter.NewWriter(o.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Name\tSize")
	for _, d := range dbs {
		fmt.Fprintf(tw, "%s\t%s\n", d.Name, d.Size)
	}
	return tw.Flush()
}

// signalAll signals every worker until ctx ends.
func (o *Orchestrator) signalAll(ctx context.Context, sig syscall.Signal) error {
	every := o.SignalEvery
	if every <= 0 {
		every = DefaultSignalEvery
	}
	pidfiles := o.Settings.PIDFiles()
	var missing atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pidfiles {
		g.Go(func() error {
			err := o.Signal(gctx, p, sig, every)
			if errors.Is(err, errs.ErrProcessNotFound) {
				o.Log.Warn("worker not signalled", "pidfile", p, "error", err)
				missing.Add(1)
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	if err == nil && int(missing.Load()) == len(pidfiles) {
		return errs.Wrap("signal", o.Settings.PIDFile, errs.ErrProcessNotFound)
	}
	return err
}

func (o *Orchestrator) console(ctx context.Context) error {
	db := o.Settings.Database
	if db == "" {
		return errs.Usagef("no database specified")
	}
	cmdline := o.Settings.ConsoleCmd
	if cmdline == "" {
		cmdline = DefaultConsoleCmd
	}
	cmdline = strings.NewReplacer("{database}", db, "{uri}", "postgresql:///"+db).Replace(cmdline)
	return o.Interactive(ctx, process.Spec{Name: "console", Command: cmdline, WorkDir: o.Settings.Root})
}

func (o *Orchestrator) record(ctx context.Context, e history.Event) {
	o.History.Record(ctx, e)
}

func (o *Orchestrator) flushMetrics() {
	path := o.Settings.MetricsTextfile
	if o.Metrics == nil || path == "" {
		return
	}
	o.Metrics.SetRunning(o.runningCount())
	if err := o.Metrics.WriteTextfile(path); err != nil {
		o.Log.Warn("metrics textfile not written", "path", path, "error", err)
	}
}
