package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"evaldb/pkg/generation"
)

// MemStore is an in-process journal, used when no DATABASE_URL is set and
// in tests.
type MemStore struct {
	mu    sync.RWMutex
	dbs   map[string]*memDB
	hosts map[string]string // hostname -> db
}

type memDB struct {
	Database
	txs map[generation.ID]generation.Transac
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{dbs: make(map[string]*memDB), hosts: make(map[string]string)}
}

// EnsureTable is a no-op; there is nothing to create.
func (s *MemStore) EnsureTable(context.Context) error { return nil }

// CreateDatabase registers a new database under a fresh name.
func (s *MemStore) CreateDatabase(_ context.Context, lang string) (*Database, error) {
	d := Database{
		Name:      uuid.Must(uuid.NewV7()).String(),
		Lang:      lang,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[d.Name]; ok {
		return nil, fmt.Errorf("create database %s: %w", d.Name, ErrDatabaseExists)
	}
	s.dbs[d.Name] = &memDB{Database: d, txs: make(map[generation.ID]generation.Transac)}
	return &d, nil
}

// Database looks a database up by name.
func (s *MemStore) Database(_ context.Context, name string) (*Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dbs[name]
	if !ok {
		return nil, fmt.Errorf("database %s: %w", name, ErrDatabaseNotFound)
	}
	cp := d.Database
	return &cp, nil
}

// Link binds hostname to db. Rebinding a database frees its old hostname.
func (s *MemStore) Link(_ context.Context, db, hostname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		return fmt.Errorf("link %s: %w", hostname, ErrDatabaseNotFound)
	}
	if owner, taken := s.hosts[hostname]; taken && owner != db {
		return fmt.Errorf("link %s: %w", hostname, ErrHostnameTaken)
	}
	if d.Hostname != "" {
		delete(s.hosts, d.Hostname)
	}
	d.Hostname = hostname
	s.hosts[hostname] = db
	return nil
}

// DatabaseForHost finds the database linked to hostname.
func (s *MemStore) DatabaseForHost(_ context.Context, hostname string) (*Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dbs[s.hosts[hostname]]
	if !ok {
		return nil, fmt.Errorf("host %s: %w", hostname, ErrDatabaseNotFound)
	}
	cp := d.Database
	return &cp, nil
}

// Append stores a transaction. A generation that is already journaled is kept as is.
func (s *MemStore) Append(_ context.Context, db string, tx generation.Transac) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		return fmt.Errorf("append transaction %d: %w", tx.Result.Gen, ErrDatabaseNotFound)
	}
	if _, dup := d.txs[tx.Result.Gen]; !dup {
		d.txs[tx.Result.Gen] = tx
	}
	return nil
}

// Get retrieves one generation's transaction.
func (s *MemStore) Get(_ context.Context, db string, gen generation.ID) (*generation.Transac, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dbs[db]
	if !ok {
		return nil, fmt.Errorf("get transaction %d: %w", gen, ErrDatabaseNotFound)
	}
	tx, ok := d.txs[gen]
	if !ok {
		return nil, fmt.Errorf("get transaction %d: not found", gen)
	}
	return &tx, nil
}

// All returns a database's whole log in generation order.
func (s *MemStore) All(ctx context.Context, db string) ([]generation.Transac, error) {
	return s.Since(ctx, db, -1, 0)
}

// Since returns transactions after the given generation; limit <= 0 means no limit.
func (s *MemStore) Since(_ context.Context, db string, after generation.ID, limit int) ([]generation.Transac, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dbs[db]
	if !ok {
		return nil, fmt.Errorf("database %s: %w", db, ErrDatabaseNotFound)
	}
	var txs []generation.Transac
	for gen, tx := range d.txs {
		if gen > after {
			txs = append(txs, tx)
		}
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].Result.Gen < txs[j].Result.Gen })
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

// Count returns the number of journaled generations in a database.
func (s *MemStore) Count(_ context.Context, db string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dbs[db]
	if !ok {
		return 0, fmt.Errorf("count transactions: %w", ErrDatabaseNotFound)
	}
	return len(d.txs), nil
}

// Ancestors walks up the parent chain, at most maxDepth steps.
func (s *MemStore) Ancestors(_ context.Context, db string, gen generation.ID, maxDepth int) ([]generation.Transac, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dbs[db]
	if !ok {
		return nil, fmt.Errorf("database %s: %w", db, ErrDatabaseNotFound)
	}
	start, ok := d.txs[gen]
	if !ok || maxDepth <= 0 {
		return nil, nil
	}
	var chain []generation.Transac
	id := start.Result.Parent
	for depth := 0; depth < maxDepth; depth++ {
		tx, ok := d.txs[id]
		if !ok {
			break
		}
		chain = append(chain, tx)
		if tx.Result.Parent == id {
			break
		}
		id = tx.Result.Parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
