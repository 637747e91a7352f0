// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package proxy

import (
	"errors"
	"log/slog"
	"time"
)

// getTimeout bounds how long UpstreamWorker blocks in queue.Get before it
// rechecks the cancel signal.
const getTimeout = time.Second

// UpstreamWorker is the single long-lived task that dequeues work, calls
// UpstreamClient.Exchange, and writes the reply to the originating
// client. One worker, not a pool: the upstream is already serialized by
// Exchange, so more workers would only contend on the same mutex without
// adding throughput.
type UpstreamWorker struct {
	queue    *RequestQueue
	upstream *UpstreamClient
	registry *ConnRegistry
	stopCh   <-chan struct{}
	logger   *slog.Logger
}

// NewUpstreamWorker builds the worker.
func NewUpstreamWorker(queue *RequestQueue, upstream *UpstreamClient, registry *ConnRegistry, stopCh <-chan struct{}, logger *slog.Logger) *UpstreamWorker {
	return &UpstreamWorker{
		queue:    queue,
		upstream: upstream,
		registry: registry,
		stopCh:   stopCh,
		logger:   logger,
	}
}

// Run loops until cancel or the queue is closed and drained.
func (w *UpstreamWorker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		item, ok, err := w.queue.Get(getTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return
			}
			continue
		}
		if !ok {
			continue
		}

		w.process(item)
	}
}

func (w *UpstreamWorker) process(item WorkItem) {
	if item.ReplyTo.IsClosed() {
		w.logger.Warn("dropping work item, client already closed", "connID", item.ConnID)
		return
	}
	if _, present := w.registry.Get(item.ConnID); !present {
		w.logger.Warn("dropping work item, connection no longer active", "connID", item.ConnID)
		return
	}

	resp, err := w.upstream.Exchange(item.ADU)
	if err != nil {
		w.logger.Error("upstream exchange failed, resetting client connection", "connID", item.ConnID, "err", err)
		item.ReplyTo.Close()
		return
	}

	if item.ReplyTo.IsClosed() {
		return
	}
	if err := item.ReplyTo.WriteFrame(resp); err != nil {
		w.logger.Error("failed to write reply to client", "connID", item.ConnID, "err", err)
		item.ReplyTo.Close()
	}
}
