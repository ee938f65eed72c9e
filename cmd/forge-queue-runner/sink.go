// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package main

import (
	"context"

	"forgequeue.dev/pkg/internal/queue"
	"zombiezen.com/go/log"
)

// channelSink is a minimal [queue.WorkerSink] for local testing and
// demos: it just logs every runnable step and forwards it on a channel.
// A production deployment supplies its own sink talking to its actual
// worker pool.
type channelSink struct {
	ch chan *queue.Step
}

func newChannelSink(buffer int) *channelSink {
	return &channelSink{ch: make(chan *queue.Step, buffer)}
}

func (s *channelSink) MakeRunnable(step *queue.Step) {
	ctx := context.Background()
	log.Infof(ctx, "%v is now runnable", step)
	select {
	case s.ch <- step:
	default:
		log.Warnf(ctx, "worker sink channel full, dropping notification for %v", step)
	}
}
