// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package bus implements the typed in-process message bus: per-recipient
// bounded priority inboxes, a dead-letter log, and read-only live
// listeners for the external event stream.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teradata-labs/tapestry/pkg/observability"
	"go.uber.org/zap"
)

// MessageType is the message vocabulary.
type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeInform    MessageType = "inform"
	TypeDelegate  MessageType = "delegate"
	TypeReview    MessageType = "review"
	TypeVeto      MessageType = "veto"
	TypeApprove   MessageType = "approve"
	TypeNegotiate MessageType = "negotiate"
	TypeEscalate  MessageType = "escalate"
	TypeSystem    MessageType = "system"
)

// PriorityVeto is the highest priority; veto traffic overtakes everything.
const PriorityVeto = 10

// Envelope is one bus message. Broadcasts are a single envelope with an
// expanded recipient set, never N copies.
type Envelope struct {
	ID         string
	MissionID  string
	Sender     string
	Recipients []string
	Type       MessageType
	Priority   int
	Body       string
	Payload    map[string]interface{}
	ParentID   string
	CreatedAt  time.Time
}

// Recorder persists delivered envelopes for audit.
type Recorder interface {
	RecordBusMessage(ctx context.Context, m *Envelope) error
}

var (
	// ErrClosed is returned once the bus is closed and the inbox drained.
	ErrClosed = errors.New("bus closed")

	// ErrIdle is returned when Recv waited out its idle timeout.
	ErrIdle = errors.New("inbox idle")
)

// Config configures the bus.
type Config struct {
	// InboxCapacity bounds each recipient inbox.
	InboxCapacity int

	// MaxListenerSkips cuts off a slow live listener after this many
	// dropped envelopes.
	MaxListenerSkips int

	// DeadLetterCapacity bounds the in-memory dead-letter log.
	DeadLetterCapacity int

	Recorder Recorder
	Tracer   observability.Tracer
	Logger   *zap.Logger
}

// DefaultConfig returns the bus defaults.
func DefaultConfig() Config {
	return Config{
		InboxCapacity:      2000,
		MaxListenerSkips:   100,
		DeadLetterCapacity: 1000,
	}
}

// Bus routes envelopes between agents.
type Bus struct {
	cfg    Config
	tracer observability.Tracer
	logger *zap.Logger

	mu        sync.Mutex
	inboxes   map[string]*inbox
	listeners map[int]*listener
	nextLID   int
	dead      []*Envelope
	closed    bool
	done      chan struct{}
}

// inbox holds one recipient's pending messages in priority buckets.
// Bucket index is the priority; within a bucket ordering is FIFO.
type inbox struct {
	buckets [PriorityVeto + 1][]*Envelope
	size    int
	notify  chan struct{}
}

type listener struct {
	ch      chan *Envelope
	skipped int
	cut     bool
}

// New creates a bus.
func New(cfg Config) *Bus {
	def := DefaultConfig()
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = def.InboxCapacity
	}
	if cfg.MaxListenerSkips <= 0 {
		cfg.MaxListenerSkips = def.MaxListenerSkips
	}
	if cfg.DeadLetterCapacity <= 0 {
		cfg.DeadLetterCapacity = def.DeadLetterCapacity
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Bus{
		cfg:       cfg,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
		inboxes:   make(map[string]*inbox),
		listeners: make(map[int]*listener),
		done:      make(chan struct{}),
	}
}

// Publish delivers one envelope to every recipient's inbox and fans it
// out to live listeners. Veto messages carry priority 10 regardless of
// what the caller set.
func (b *Bus) Publish(ctx context.Context, env *Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	if env.Type == TypeVeto {
		env.Priority = PriorityVeto
	}
	if env.Priority < 0 {
		env.Priority = 0
	}
	if env.Priority > PriorityVeto {
		env.Priority = PriorityVeto
	}
	if len(env.Recipients) == 0 {
		return fmt.Errorf("envelope has no recipients")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	for _, r := range env.Recipients {
		b.deliverLocked(r, env)
	}
	b.fanOutLocked(env)
	b.mu.Unlock()

	if b.cfg.Recorder != nil {
		if err := b.cfg.Recorder.RecordBusMessage(ctx, env); err != nil {
			b.logger.Warn("failed to persist bus message",
				zap.String("message_id", env.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (b *Bus) deliverLocked(recipient string, env *Envelope) {
	in, ok := b.inboxes[recipient]
	if !ok {
		in = &inbox{notify: make(chan struct{}, 1)}
		b.inboxes[recipient] = in
	}
	if in.size >= b.cfg.InboxCapacity {
		dropped := in.dropOldestNotAbove(env.Priority)
		if dropped == nil {
			// Everything queued outranks the arrival; the new
			// message is the one that gives way.
			b.deadLetterLocked(env)
			b.logger.Warn("inbox overflow, incoming message dead-lettered",
				zap.String("recipient", recipient),
				zap.String("dropped_id", env.ID),
				zap.Int("dropped_priority", env.Priority))
			return
		}
		b.deadLetterLocked(dropped)
		b.logger.Warn("inbox overflow, message dead-lettered",
			zap.String("recipient", recipient),
			zap.String("dropped_id", dropped.ID),
			zap.Int("dropped_priority", dropped.Priority))
	}
	in.buckets[env.Priority] = append(in.buckets[env.Priority], env)
	in.size++
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

// dropOldestNotAbove removes the front of the lowest non-empty bucket
// whose priority does not exceed max. A full inbox never evicts a
// higher-priority message to admit a lower one.
func (in *inbox) dropOldestNotAbove(max int) *Envelope {
	for p := 0; p <= max; p++ {
		if len(in.buckets[p]) > 0 {
			dropped := in.buckets[p][0]
			in.buckets[p] = in.buckets[p][1:]
			in.size--
			return dropped
		}
	}
	return nil
}

// pop removes the front of the highest non-empty priority bucket.
func (in *inbox) pop() *Envelope {
	for p := PriorityVeto; p >= 0; p-- {
		if len(in.buckets[p]) > 0 {
			env := in.buckets[p][0]
			in.buckets[p] = in.buckets[p][1:]
			in.size--
			return env
		}
	}
	return nil
}

func (b *Bus) deadLetterLocked(env *Envelope) {
	if len(b.dead) >= b.cfg.DeadLetterCapacity {
		b.dead = b.dead[1:]
	}
	b.dead = append(b.dead, env)
}

// Recv blocks until a message arrives for the recipient, the idle
// timeout elapses (ErrIdle), the context is cancelled, or the bus is
// closed with an empty inbox (ErrClosed). Higher priorities overtake.
func (b *Bus) Recv(ctx context.Context, recipient string, idle time.Duration) (*Envelope, error) {
	if idle <= 0 {
		idle = 30 * time.Second
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		b.mu.Lock()
		in, ok := b.inboxes[recipient]
		if !ok {
			in = &inbox{notify: make(chan struct{}, 1)}
			b.inboxes[recipient] = in
		}
		if env := in.pop(); env != nil {
			b.mu.Unlock()
			return env, nil
		}
		closed := b.closed
		notify := in.notify
		b.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-notify:
		case <-timer.C:
			return nil, ErrIdle
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			// Loop once more to drain anything racing with close.
		}
	}
}

// TryRecv returns the next message without blocking, or nil.
func (b *Bus) TryRecv(recipient string) *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.inboxes[recipient]
	if !ok {
		return nil
	}
	return in.pop()
}

// Pending reports the inbox depth for a recipient.
func (b *Bus) Pending(recipient string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if in, ok := b.inboxes[recipient]; ok {
		return in.size
	}
	return 0
}

// Listen attaches a read-only live listener. The returned channel gets
// every published envelope; a listener that falls behind loses messages
// and is cut off (channel closed) after MaxListenerSkips drops. Cancel
// detaches the listener.
func (b *Bus) Listen(buffer int) (<-chan *Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextLID
	b.nextLID++
	l := &listener{ch: make(chan *Envelope, buffer)}
	if b.closed {
		close(l.ch)
		return l.ch, func() {}
	}
	b.listeners[id] = l

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if lst, ok := b.listeners[id]; ok && !lst.cut {
			lst.cut = true
			close(lst.ch)
			delete(b.listeners, id)
		}
	}
	return l.ch, cancel
}

func (b *Bus) fanOutLocked(env *Envelope) {
	for id, l := range b.listeners {
		select {
		case l.ch <- env:
			l.skipped = 0
		default:
			l.skipped++
			if l.skipped >= b.cfg.MaxListenerSkips {
				l.cut = true
				close(l.ch)
				delete(b.listeners, id)
				b.logger.Warn("slow listener cut off",
					zap.Int("listener_id", id),
					zap.Int("skipped", l.skipped))
			}
		}
	}
}

// DeadLetters returns a copy of the dead-letter log.
func (b *Bus) DeadLetters() []*Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Envelope, len(b.dead))
	copy(out, b.dead)
	return out
}

// Close refuses further publishes, signals every blocked receiver and
// listener, and leaves queued messages drainable via Recv/TryRecv.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, l := range b.listeners {
		if !l.cut {
			l.cut = true
			close(l.ch)
		}
		delete(b.listeners, id)
	}
	close(b.done)
	b.mu.Unlock()
}
