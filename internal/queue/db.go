// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"database/sql"

	"forgequeue.dev/pkg/internal/drv"
)

// PGQueueDB implements [QueueDB] against a Postgres Builds table using
// the exact queries spec.md §6 specifies.
type PGQueueDB struct {
	db *sql.DB
}

// NewPGQueueDB wraps an existing connection pool. The pool's lifecycle is
// the caller's responsibility.
func NewPGQueueDB(db *sql.DB) *PGQueueDB {
	return &PGQueueDB{db: db}
}

func (p *PGQueueDB) UnfinishedBuildsAfter(ctx context.Context, lastBuildID BuildID) ([]QueueRow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, project, jobset, job, drvPath, maxsilent, timeout
		FROM Builds
		WHERE id > $1 AND finished = 0
		ORDER BY id`, int64(lastBuildID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueRow
	for rows.Next() {
		var r QueueRow
		var id int64
		var drvPathStr string
		if err := rows.Scan(&id, &r.Project, &r.Jobset, &r.Job, &drvPathStr, &r.MaxSilentTime, &r.BuildTimeout); err != nil {
			return nil, err
		}
		r.ID = BuildID(id)
		drvPath, err := drv.ParsePath(drvPathStr)
		if err != nil {
			return nil, err
		}
		r.DrvPath = drvPath
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PGQueueDB) UnfinishedBuildIDs(ctx context.Context) (map[BuildID]struct{}, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM Builds WHERE finished = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[BuildID]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[BuildID(id)] = struct{}{}
	}
	return out, rows.Err()
}
