// Package pgdb reads the PostgreSQL catalog: the databases of the cluster
// and their sizes.
package pgdb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// DefaultConnString reaches the local cluster through libpq defaults
// (PGHOST, PGUSER, the unix socket).
const DefaultConnString = "dbname=postgres"

// Database is one catalog entry.
type Database struct {
	Name string `json:"name"`
	Size string `json:"size"` // pg_size_pretty output
}

// Catalog lists databases.
type Catalog interface {
	Databases(ctx context.Context) ([]Database, error)
}

// Client is a Catalog backed by a pgx connection opened per call.
type Client struct {
	ConnString string
}

// New returns a Client for connString, or the local cluster when empty.
func New(connString string) *Client {
	if connString == "" {
		connString = DefaultConnString
	}
	return &Client{ConnString: connString}
}

const listQuery = `SELECT datname, pg_size_pretty(pg_database_size(datname))
	FROM pg_database
	WHERE NOT datistemplate
	ORDER BY datname`

// Databases returns every non-template database with its size.
func (c *Client) Databases(ctx context.Context) ([]Database, error) {
	conn, err := pgx.Connect(ctx, c.ConnString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	rows, err := conn.Query(ctx, listQuery)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Database, error) {
		var d Database
		err := row.Scan(&d.Name, &d.Size)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	return out, nil
}

// LatestMatching returns the lexicographically greatest database name
// containing project, or "" when none does.
func LatestMatching(dbs []Database, project string) string {
	var names []string
	for _, d := range dbs {
		if strings.Contains(d.Name, project) {
			names = append(names, d.Name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[len(names)-1]
}

// Resolve turns the "-" placeholder into the latest database of project.
// Any other value is returned unchanged.
func Resolve(ctx context.Context, cat Catalog, database, project string) (string, error) {
	if database != "-" {
		return database, nil
	}
	dbs, err := cat.Databases(ctx)
	if err != nil {
		return "", err
	}
	return LatestMatching(dbs, project), nil
}
