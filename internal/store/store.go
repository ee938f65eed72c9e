// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package store implements the queue monitor's Store collaborator
// (spec.md §6) against a store directory on local disk, recording the
// outcome of each validity check in a sqlite database. Every IsValidPath
// call stats the filesystem; the recorded outcomes are never read back
// to skip a check.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"forgequeue.dev/pkg/internal/drv"
	"forgequeue.dev/pkg/internal/queue"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// LocalStore implements [queue.Store] by reading derivations directly
// off disk and caching validity checks in a local sqlite database.
type LocalStore struct {
	dir     drv.Directory
	realDir string
	db      *sqlitemigration.Pool
}

// New returns a LocalStore rooted at dir (the store directory as it
// appears in paths) backed physically by realDir, caching validity
// checks in the sqlite database at dbPath. Callers are responsible for
// calling [LocalStore.Close].
func New(dir drv.Directory, realDir, dbPath string) *LocalStore {
	if realDir == "" {
		realDir = string(dir)
	}
	return &LocalStore{
		dir:     dir,
		realDir: realDir,
		db: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "store cache: migrating...")
			},
			OnReady: func() {
				log.Debugf(context.Background(), "store cache: ready")
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "store cache: migration: %v", err)
			},
		}),
	}
}

// Close releases the underlying database pool.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

func (s *LocalStore) realPath(p drv.Path) string {
	return filepath.Join(s.realDir, p.Base())
}

// IsValidPath reports whether p is present and intact on disk. The
// filesystem is always the source of truth; the sqlite cache only
// records the outcome for observability and for callers that query the
// cache directly (e.g. a future status endpoint), never to skip a stat.
func (s *LocalStore) IsValidPath(ctx context.Context, p drv.Path) (bool, error) {
	_, err := os.Lstat(s.realPath(p))
	valid := err == nil
	if !valid && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("check validity of %s: %w", p, err)
	}
	if cacheErr := s.recordValidity(ctx, p, valid); cacheErr != nil {
		log.Warnf(ctx, "record validity of %s: %v", p, cacheErr)
	}
	return valid, nil
}

func (s *LocalStore) recordValidity(ctx context.Context, p drv.Path, valid bool) error {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return err
	}
	defer s.db.Put(conn)
	return sqlitex.ExecuteFS(conn, sqlFiles(), "upsert_valid_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":path":      string(p),
			":valid":     boolToInt(valid),
			":checkedAt": time.Now().Unix(),
		},
	})
}

// ReadDerivation parses the derivation at drvPath from its .drv file on
// disk.
func (s *LocalStore) ReadDerivation(ctx context.Context, drvPath drv.Path) (*drv.Derivation, error) {
	name, ok := drvPath.DerivationName()
	if !ok {
		return nil, fmt.Errorf("read derivation %s: not a %s file", drvPath, drv.DerivationExt)
	}
	data, err := os.ReadFile(s.realPath(drvPath))
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %w", drvPath, err)
	}
	d, err := drv.ParseDerivation(s.dir, name, data)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %w", drvPath, err)
	}
	return d, nil
}

// BuildOutputFor reports d's output paths, which the Build Loader calls
// only once every output has already been confirmed valid.
func (s *LocalStore) BuildOutputFor(ctx context.Context, d *drv.Derivation) (queue.BuildOutput, error) {
	return queue.BuildOutput{Outputs: d.Outputs}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})
	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
