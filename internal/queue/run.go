// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"time"

	"zombiezen.com/go/log"
)

// retryDelay is how long [Monitor.Run] waits before retrying after a
// transient failure (spec.md §4.A step 6): long enough not to amplify a
// database outage with rapid reconnect attempts.
const retryDelay = 10 * time.Second

// Run is the Notification Loop's public entry point (spec.md §4.A). It
// repeatedly opens a listener, scans the queue, and blocks awaiting
// notifications, restarting the whole setup after retryDelay on any
// error. It returns only when ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, dial func() *Listener) error {
	for ctx.Err() == nil {
		err := m.runOnce(ctx, dial())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Errorf(ctx, "queue monitor: %v", err)
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// runOnce implements one session of the Notification Loop: it opens the
// listener's subscriptions, initializes lastBuildID to 0 (spec.md §4.A
// step 3 — every fresh session starts with a full re-scan), and then
// alternates scanning and waiting for notifications until an error or
// ctx cancellation ends the session.
func (m *Monitor) runOnce(ctx context.Context, listener *Listener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			iv, ok := r.(*invariantViolation)
			if !ok {
				panic(r)
			}
			err = iv
		}
	}()
	defer listener.Close()

	if err := listener.ListenAll(ctx); err != nil {
		return err
	}
	m.resetLastBuildID()

	notifications := listener.Notify(ctx)
	for {
		m.Metrics.IncQueueWakeups()
		if err := m.scanQueue(ctx); err != nil {
			return err
		}

		flags, err := m.awaitNotifications(ctx, notifications)
		if err != nil {
			return err
		}
		if err := m.handleNotifications(ctx, flags); err != nil {
			return err
		}
	}
}

// notificationFlags records which of the four channels fired during one
// wakeup (spec.md §4.A step 5: "multiple flags may be set in one wakeup;
// all are honored").
type notificationFlags struct {
	added              bool
	restarted          bool
	cancelledOrDeleted bool
}

// awaitNotifications blocks for the first notification, then drains any
// further notifications already queued without blocking, so that a burst
// of notifications delivered together is honored in one pass.
func (m *Monitor) awaitNotifications(ctx context.Context, notifications <-chan Notification) (notificationFlags, error) {
	var flags notificationFlags
	select {
	case n, ok := <-notifications:
		if !ok {
			return flags, context.Canceled
		}
		applyNotification(&flags, n)
	case <-ctx.Done():
		return flags, ctx.Err()
	}
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return flags, nil
			}
			applyNotification(&flags, n)
		default:
			return flags, nil
		}
	}
}

func applyNotification(flags *notificationFlags, n Notification) {
	switch n.Channel {
	case ChannelBuildsAdded:
		flags.added = true
	case ChannelBuildsRestarted:
		flags.restarted = true
	case ChannelBuildsCancelled, ChannelBuildsDeleted:
		flags.cancelledOrDeleted = true
	}
}

// handleNotifications honors the flags set by one wakeup, in the order
// spec.md §4.A step 5 prescribes: added (log only), restarted (force a
// full re-scan), then cancelled/deleted (run the Cancellation Reaper).
func (m *Monitor) handleNotifications(ctx context.Context, flags notificationFlags) error {
	if flags.added {
		log.Debugf(ctx, "builds added")
	}
	if flags.restarted {
		log.Infof(ctx, "builds restarted; forcing full re-scan")
		m.resetLastBuildID()
	}
	if flags.cancelledOrDeleted {
		if err := m.removeCancelledBuilds(ctx); err != nil {
			return err
		}
	}
	return nil
}
