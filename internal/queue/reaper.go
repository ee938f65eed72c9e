// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"context"

	"zombiezen.com/go/log"
)

// removeCancelledBuilds implements the Cancellation Reaper (spec.md
// §4.E): it diffs the database's current unfinished-build set against
// the in-memory index and evicts every build that has disappeared
// (cancelled or deleted). Active worker steps tied to an evicted build
// are not interrupted; this is a known limitation, not a bug.
func (m *Monitor) removeCancelledBuilds(ctx context.Context) error {
	current, err := m.DB.UnfinishedBuildIDs(ctx)
	if err != nil {
		return err
	}
	m.builds.evictMissing(current, func(b *Build) {
		log.Infof(ctx, "%v evicted: no longer queued", b)
	})
	return nil
}
