// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"database/sql"
)

// PGBuildRecorder implements [BuildRecorder] against the same Builds/
// BuildSteps tables the rest of the build server writes to. The terminal
// Builds write is guarded by `finished = 0`, matching spec.md §6's
// terminal write and closing the race Open Question 2 describes: a build
// already finished by another path is left untouched rather than
// erroring. The BuildSteps insert carries no such guard.
type PGBuildRecorder struct {
	db *sql.DB
}

func NewPGBuildRecorder(db *sql.DB) *PGBuildRecorder {
	return &PGBuildRecorder{db: db}
}

func (r *PGBuildRecorder) FinishBuild(ctx context.Context, id BuildID, outcome BuildFinish) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE Builds
		SET finished = 1,
		    busy = 0,
		    buildStatus = $1,
		    startTime = $2,
		    stopTime = $3,
		    errorMsg = $4,
		    isCachedBuild = $5
		WHERE id = $6 AND finished = 0`,
		int(outcome.Status), outcome.StartTime, outcome.StopTime, outcome.ErrorMsg,
		boolToInt(outcome.IsCachedBuild), int64(id))
	return err
}

func (r *PGBuildRecorder) RecordBuildStep(ctx context.Context, id BuildID, step *Step, status BuildStepStatus) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO BuildSteps (build, stepnr, drvPath, logFile, status)
		VALUES ($1, 0, $2, '', $3)`,
		int64(id), string(step.DrvPath), int(status))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
