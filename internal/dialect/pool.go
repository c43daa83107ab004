package dialect

import (
	"database/sql"
	"sync"

	"golang.org/x/sync/errgroup"
)

// connectionPool caches one *sql.DB per datasource id so repeated runs
// against the same warehouse reuse connections instead of re-dialing. sql.DB
// handles per-connection pooling internally; this layer only deduplicates
// pools across runner instances.
type connectionPool struct {
	mu    sync.Mutex
	conns map[string]*sql.DB

	// open is injectable for tests and for binaries that register a
	// different driver.
	open func(dsn string) (*sql.DB, error)
}

// sharedPool is the process-wide pool used by all dialects.
//
// Driver registration is left to the importing binary: cmd/abacus blank-
// imports the SQL Server driver it ships with.
var sharedPool = &connectionPool{
	conns: make(map[string]*sql.DB),
	open: func(dsn string) (*sql.DB, error) {
		return sql.Open("sqlserver", dsn)
	},
}

func (p *connectionPool) findOrCreate(datasource, dsn string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.conns[datasource]; ok {
		return db, nil
	}

	db, err := p.open(dsn)
	if err != nil {
		return nil, err
	}

	p.conns[datasource] = db

	return db, nil
}

// closeAll shuts down every pooled connection. Used on process shutdown.
// Closing may block while in-flight queries drain, so pools close
// concurrently.
func (p *connectionPool) closeAll() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*sql.DB)
	p.mu.Unlock()

	var g errgroup.Group

	for _, db := range conns {
		g.Go(db.Close)
	}

	return g.Wait()
}

// CloseConnections shuts down all pooled warehouse connections.
func CloseConnections() error {
	return sharedPool.closeAll()
}
