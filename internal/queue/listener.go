// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"io"
	"time"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"

	"forgequeue.dev/pkg/internal/xio"
)

// Channels are the four Postgres channels the Notification Loop
// subscribes to (spec.md §4.A step 1 / §6).
const (
	ChannelBuildsAdded     = "builds_added"
	ChannelBuildsRestarted = "builds_restarted"
	ChannelBuildsCancelled = "builds_cancelled"
	ChannelBuildsDeleted   = "builds_deleted"
)

var allChannels = [...]string{
	ChannelBuildsAdded,
	ChannelBuildsRestarted,
	ChannelBuildsCancelled,
	ChannelBuildsDeleted,
}

// Notification is a single push notification received on one of the
// four channels.
type Notification struct {
	Channel string
}

// Listener multiplexes all four channel subscriptions over one
// *pq.Listener, since lib/pq delivers every subscribed channel's
// notifications over a single stream tagged with Notification.Channel.
type Listener struct {
	pq     *pq.Listener
	closer io.Closer
}

// NewListener dials connInfo and returns a Listener ready to subscribe.
// minReconnect and maxReconnect bound lib/pq's internal reconnect backoff.
func NewListener(connInfo string, minReconnect, maxReconnect time.Duration, eventCallback pq.EventCallbackType) *Listener {
	pqListener := pq.NewListener(connInfo, minReconnect, maxReconnect, eventCallback)
	return &Listener{pq: pqListener, closer: xio.CloseOnce(pqListener)}
}

// ListenAll subscribes to every channel in [allChannels] concurrently.
// It returns once all four subscription attempts have finished, with the
// first error among them, if any.
func (l *Listener) ListenAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, ch := range allChannels {
		ch := ch
		g.Go(func() error {
			return l.pq.Listen(ch)
		})
	}
	return g.Wait()
}

// Notify returns the channel on which push notifications arrive. It is
// closed when the underlying connection is closed.
func (l *Listener) Notify(ctx context.Context) <-chan Notification {
	out := make(chan Notification)
	go func() {
		defer close(out)
		for {
			select {
			case n, ok := <-l.pq.Notify:
				if !ok {
					return
				}
				if n == nil {
					// lib/pq sends a nil notification after a connection
					// loss and successful reconnect, signalling that the
					// caller may have missed notifications and should
					// treat this as equivalent to a full re-scan trigger.
					log.Warnf(ctx, "listener reconnected; notifications may have been missed")
					out <- Notification{Channel: ChannelBuildsRestarted}
					continue
				}
				out <- Notification{Channel: n.Channel}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close releases the underlying connection. It is safe to call more than
// once; only the first call reaches the underlying connection.
func (l *Listener) Close() error {
	return l.closer.Close()
}
