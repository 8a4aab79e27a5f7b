// Package servctl supervises a Tryton-style backend server: it starts one
// or more workers from a shared INI configuration, fronts them with a
// reverse proxy, watches the server log until startup succeeds or fails,
// and stops, kills or inspects them afterwards.
package servctl

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/nantic/servctl/internal/config"
	"github.com/nantic/servctl/internal/history"
	"github.com/nantic/servctl/internal/history/factory"
	"github.com/nantic/servctl/internal/metrics"
	"github.com/nantic/servctl/internal/orchestrator"
	"github.com/nantic/servctl/internal/pgdb"
	"github.com/nantic/servctl/internal/proxy"
)

// Re-export the types callers need to drive a Supervisor.

type Action = orchestrator.Action

type State = orchestrator.State

type Settings = config.Settings

type Catalog = pgdb.Catalog

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) { return orchestrator.ParseAction(s) }

// Actions lists every supported action.
func Actions() []Action { return append([]Action(nil), orchestrator.Actions...) }

// Options selects the project and configuration of one invocation.
type Options struct {
	Dir        string // project directory; the working directory when empty
	ConfigName string // --config NAME
	ConfigFile string // --config-file F
	Database   string // "-" selects the newest database of the project
	Extra      []string
	NoTail     bool
	Out        io.Writer
	Log        *slog.Logger
	Catalog    Catalog // defaults to the local PostgreSQL cluster
}

// Supervisor runs one action against one project.
type Supervisor struct {
	Settings *Settings
	action   Action
	orch     *orchestrator.Orchestrator
	history  *history.Recorder
}

// Open discovers and loads the project configuration for action. Actions
// that only read (config, ps, db) still open when the file cannot be parsed.
func Open(ctx context.Context, action Action, opts Options) (*Supervisor, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	root, err := config.ResolveRoot(opts.Dir)
	if err != nil {
		return nil, err
	}
	path, err := config.Discover(config.Discovery{
		Root: root,
		Name: opts.ConfigName,
		File: opts.ConfigFile,
		FQDN: proxy.FQDN,
		Log:  log,
	})
	if err != nil {
		return nil, err
	}
	log.Debug("using config", "path", path, "root", root)

	catalog := opts.Catalog
	if catalog == nil {
		catalog = pgdb.New("")
	}
	database, err := pgdb.Resolve(ctx, catalog, opts.Database, filepath.Base(root))
	if err != nil {
		return nil, err
	}

	s, err := config.Load(path, root, database)
	if err != nil {
		if action.NeedsSettings() {
			return nil, err
		}
		log.Warn("config not loaded, using defaults", "path", path, "error", err)
		s = config.Defaults(root)
		s.ConfigPath = path
		s.Database = database
	}

	o := orchestrator.New(s, log)
	o.Extra = opts.Extra
	o.Tail = !opts.NoTail
	o.Catalog = catalog
	o.Metrics = metrics.New()
	if opts.Out != nil {
		o.Out = opts.Out
	}
	sup := &Supervisor{Settings: s, action: action, orch: o}
	if s.HistoryDSN != "" {
		sup.history = factory.NewRecorder(log, filepath.Base(root), s.HistoryDSN)
		o.History = sup.history
	}
	return sup, nil
}

// Run executes the action.
func (s *Supervisor) Run(ctx context.Context) error { return s.orch.Run(ctx, s.action) }

// State returns the lifecycle state reached by Run.
func (s *Supervisor) State() State { return s.orch.State() }

// Close releases the history sinks.
func (s *Supervisor) Close() error { return s.history.Close() }
