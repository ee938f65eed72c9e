// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"time"

	"forgequeue.dev/pkg/internal/drv"
)

// BuildStatus is the terminal outcome recorded for a Build. Values are
// stable integers, written to the database's buildStatus column.
type BuildStatus int

const (
	StatusSuccess     BuildStatus = 0
	StatusFailed      BuildStatus = 1
	StatusDepFailed   BuildStatus = 2
	StatusAborted     BuildStatus = 3
	StatusUnsupported BuildStatus = 4
)

// BuildStepStatus is the outcome recorded for a single BuildStep row.
// Only the subset this core writes is represented.
type BuildStepStatus int

const (
	StepStatusFailed      BuildStepStatus = 1
	StepStatusUnsupported BuildStepStatus = 7
)

// BuildOutput summarizes a cache-satisfied build's realized outputs, as
// reported by the Store.
type BuildOutput struct {
	Outputs map[string]drv.Path
}

// Store is the content store collaborator: it answers validity and
// derivation-read queries. The core never writes to it.
type Store interface {
	// IsValidPath reports whether p's contents are present and intact in
	// the store.
	IsValidPath(ctx context.Context, p drv.Path) (bool, error)
	// ReadDerivation parses and returns the derivation at drvPath.
	ReadDerivation(ctx context.Context, drvPath drv.Path) (*drv.Derivation, error)
	// BuildOutputFor reports the realized output paths for a derivation
	// every one of whose outputs is already valid.
	BuildOutputFor(ctx context.Context, d *drv.Derivation) (BuildOutput, error)
}

// MachineRegistry answers whether any registered machine can run a step.
type MachineRegistry interface {
	// SupportsStep reports whether at least one registered machine can
	// build a derivation with the given platform and required features.
	SupportsStep(ctx context.Context, system string, requiredFeatures []string) (bool, error)
}

// FailureCache answers whether a step's derivation has a recorded prior
// failure that should short-circuit a rebuild attempt.
type FailureCache interface {
	CheckCachedFailure(ctx context.Context, drvPath drv.Path) (bool, error)
}

// WorkerSink is the external worker pool's intake: every newly runnable
// Step is announced here exactly once.
type WorkerSink interface {
	MakeRunnable(step *Step)
}

// BuildRecorder writes terminal Builds rows and BuildStep rows. It is the
// only component that issues the write SQL spec.md §6 describes; the
// loader calls it instead of embedding SQL directly.
type BuildRecorder interface {
	// FinishBuild writes a terminal row for id, guarded by finished=0 so
	// that a build already finished by another path is left untouched.
	// outcome.IsCachedBuild controls the isCachedBuild column.
	FinishBuild(ctx context.Context, id BuildID, outcome BuildFinish) error
	// RecordBuildStep writes a BuildStep row for a failed or unsupported
	// step belonging to build id.
	RecordBuildStep(ctx context.Context, id BuildID, step *Step, status BuildStepStatus) error
}

// BuildFinish is the terminal outcome written by FinishBuild.
type BuildFinish struct {
	Status        BuildStatus
	StartTime     time.Time
	StopTime      time.Time
	ErrorMsg      string
	IsCachedBuild bool
	Output        BuildOutput
}

// QueueRow is a single unfinished build, as read by the Queue Scanner.
type QueueRow struct {
	ID            BuildID
	Project       string
	Jobset        string
	Job           string
	DrvPath       drv.Path
	MaxSilentTime int
	BuildTimeout  int
}

// FullJobName formats the project:jobset:job triple used for logging.
func (r QueueRow) FullJobName() string {
	return r.Project + ":" + r.Jobset + ":" + r.Job
}

// QueueDB is the database collaborator consumed by the Queue Scanner and
// the Cancellation Reaper. It is implemented by [*PGQueueDB] against a
// real Postgres connection and by fakes in tests.
type QueueDB interface {
	// UnfinishedBuildsAfter returns unfinished builds with id > lastBuildID,
	// ordered by id ascending.
	UnfinishedBuildsAfter(ctx context.Context, lastBuildID BuildID) ([]QueueRow, error)
	// UnfinishedBuildIDs returns the ids of every currently unfinished
	// build, for the Cancellation Reaper's diff.
	UnfinishedBuildIDs(ctx context.Context) (map[BuildID]struct{}, error)
}

// Metrics is the set of monotonic counters the queue monitor exposes.
type Metrics interface {
	IncQueueWakeups()
	IncBuildsRead()
	IncBuildsDone()
}
