// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import "fmt"

// invariantViolation reports a broken core invariant (spec.md §7): a
// cycle in the derivation graph, or a Step observed with created and
// isNew in the same state. It is raised with panic and converted back
// into an error by [Monitor.Run], which logs it and retries after the
// same 10-second backoff as any other transient failure.
type invariantViolation struct {
	msg string
}

func (e *invariantViolation) Error() string {
	return "invariant violation: " + e.msg
}

func fatalf(format string, args ...any) {
	panic(&invariantViolation{msg: fmt.Sprintf(format, args...)})
}

// buildLoadError wraps an error encountered while loading a single
// build, annotated with the build id as spec.md §7 describes
// ("while loading build <id>: ").
type buildLoadError struct {
	buildID BuildID
	err     error
}

func (e *buildLoadError) Error() string {
	return fmt.Sprintf("while loading build %d: %v", e.buildID, e.err)
}

func (e *buildLoadError) Unwrap() error {
	return e.err
}
