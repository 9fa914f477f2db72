// Package journal is the gateway's durable, append-only log of transactions,
// one log per database. Tail subscribers replay it before following live
// transactions.
package journal

import (
	"context"
	"errors"
	"time"

	"evaldb/pkg/generation"
)

var (
	ErrDatabaseNotFound = errors.New("database does not exist")
	ErrDatabaseExists   = errors.New("database already exists")
	ErrHostnameTaken    = errors.New("another db is using that hostname")
)

// Languages are the evaluators a database can be created with.
var Languages = []string{"luaval", "duktape"}

// ValidLanguage reports whether lang names a known evaluator.
func ValidLanguage(lang string) bool {
	for _, l := range Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// Database is one sandboxed database.
type Database struct {
	Name      string    `json:"name"` // UUID v7
	Lang      string    `json:"lang"` // evaluator binary, e.g. "luaval"
	CreatedAt time.Time `json:"created_at"`
	// Hostname routes web requests for <hostname>.<domain> to this database.
	Hostname string `json:"hostname,omitempty"`
}

// Store is the contract for transaction persistence.
type Store interface {
	CreateDatabase(ctx context.Context, lang string) (*Database, error)
	Database(ctx context.Context, name string) (*Database, error)

	// Link binds hostname to db, replacing any previous binding of db.
	Link(ctx context.Context, db, hostname string) error
	DatabaseForHost(ctx context.Context, hostname string) (*Database, error)

	// Append records tx. Appending a generation twice keeps the first.
	Append(ctx context.Context, db string, tx generation.Transac) error
	Get(ctx context.Context, db string, gen generation.ID) (*generation.Transac, error)
	All(ctx context.Context, db string) ([]generation.Transac, error)
	Since(ctx context.Context, db string, after generation.ID, limit int) ([]generation.Transac, error)
	Count(ctx context.Context, db string) (int, error)

	// Ancestors walks parent links upwards from gen, nearest last.
	Ancestors(ctx context.Context, db string, gen generation.ID, maxDepth int) ([]generation.Transac, error)

	EnsureTable(ctx context.Context) error
}
