// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is the in-process bus that carries DetectionProduced
// events from intake (HTTP, polling) to the detection engine.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/google/uuid"
)

// Handler processes one DetectionProduced event.
type Handler func(ctx context.Context, ev datatypes.DetectionEvent)

type subscription struct {
	id      string
	handler Handler
}

// Bus broadcasts DetectionProduced events to subscribers.
//
// # Description
//
// Subscribers are invoked synchronously in registration order. Publish
// returns once every subscriber has returned. A panicking subscriber is
// recovered and logged; the remaining subscribers still run.
//
// # Thread Safety
//
// Bus is safe for concurrent use. Subscribing from inside a handler is
// allowed; the new subscriber sees the next event, not the current one.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers handler and returns a function that removes it.
// Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subs = append(b.subs, subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every current subscriber.
func (b *Bus) Publish(ctx context.Context, ev datatypes.DetectionEvent) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.safeInvoke(ctx, s.handler, ev)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) safeInvoke(ctx context.Context, handler Handler, ev datatypes.DetectionEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("detection subscriber panicked",
				slog.String("canary_id", ev.CanaryID),
				slog.Any("panic", r),
			)
		}
	}()
	handler(ctx, ev)
}
