// Package correlation matches responses to in-flight calls.
//
// Every outgoing request registers an entry keyed by its call id. The entry
// leaves the table exactly once: when its response arrives, when it is failed
// (connection lost, deadline passed) or when the caller abandons it. Whoever
// removes the entry from the map completes its Future; everybody else is a no-op.
//
//	register(id) ──► entries[id] ──┬── Fulfill(id, resp)  ─┐
//	                               ├── ExpireOverdue(now) ─┼──► Future done (once)
//	                               ├── FailOwner(conn)    ─┤
//	                               └── Remove(id)         ─┘
package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"remoting/message"
)

// ErrDuplicateID is returned by Register when the id is already live.
var ErrDuplicateID = errors.New("correlation: call id already registered")

// ErrRemoved completes a Future whose entry was removed without an outcome.
var ErrRemoved = errors.New("correlation: call abandoned")

type entry struct {
	id       uint64
	created  time.Time
	deadline time.Time
	owner    uint64
	onDone   func()
	future   *Future
}

// Option configures an entry at registration.
type Option func(*entry)

// Owner tags the entry with the connection it was sent on, so FailOwner can
// fail it when that connection dies.
func Owner(connID uint64) Option {
	return func(e *entry) {
		e.owner = connID
	}
}

// OnDone runs fn once the entry has left the table, whatever the reason.
func OnDone(fn func()) Option {
	return func(e *entry) {
		e.onDone = fn
	}
}

// Table is safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	now     func() time.Time
}

func NewTable() *Table {
	return &Table{
		entries: make(map[uint64]*entry),
		now:     time.Now,
	}
}

// Register adds a pending entry. A zero deadline never expires.
func (t *Table) Register(id uint64, deadline time.Time, opts ...Option) (*Future, error) {
	e := &entry{
		id:       id,
		created:  t.now(),
		deadline: deadline,
		future:   newFuture(id),
	}
	for _, o := range opts {
		o(e)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return nil, errors.Wrapf(ErrDuplicateID, "id %d", id)
	}
	t.entries[id] = e
	return e.future, nil
}

// take removes the entry for id and returns it, or nil if absent.
func (t *Table) take(id uint64) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return e
}

func (e *entry) finish(resp *message.Response, err error) {
	e.future.complete(resp, err)
	if e.onDone != nil {
		e.onDone()
	}
}

// Fulfill completes the entry for resp.ID with resp. It returns false when no
// such entry exists (late, duplicate or unknown response), which is harmless.
func (t *Table) Fulfill(resp *message.Response) bool {
	e := t.take(resp.ID)
	if e == nil {
		return false
	}
	e.finish(resp, nil)
	return true
}

// Fail completes the entry for id with err.
func (t *Table) Fail(id uint64, err error) bool {
	e := t.take(id)
	if e == nil {
		return false
	}
	e.finish(nil, err)
	return true
}

// Remove drops the entry for id, completing its Future with ErrRemoved.
// Used when the caller gives up before an outcome arrives.
func (t *Table) Remove(id uint64) bool {
	return t.Fail(id, ErrRemoved)
}

// takeWhere removes every entry matching keep and returns them.
func (t *Table) takeWhere(match func(*entry) bool) []*entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*entry
	for id, e := range t.entries {
		if match(e) {
			delete(t.entries, id)
			out = append(out, e)
		}
	}
	return out
}

// ExpireOverdue fails every entry whose deadline is at or before now with a
// Timeout error and returns how many expired.
func (t *Table) ExpireOverdue(now time.Time) int {
	expired := t.takeWhere(func(e *entry) bool {
		return !e.deadline.IsZero() && !now.Before(e.deadline)
	})
	for _, e := range expired {
		e.finish(nil, message.Errorf(message.KindTimeout, "call %d timed out after %s", e.id, e.deadline.Sub(e.created)))
	}
	return len(expired)
}

// FailOwner fails every entry sent on connection owner.
func (t *Table) FailOwner(owner uint64, err error) int {
	failed := t.takeWhere(func(e *entry) bool { return e.owner == owner })
	for _, e := range failed {
		e.finish(nil, err)
	}
	return len(failed)
}

// FailAll fails every entry.
func (t *Table) FailAll(err error) int {
	failed := t.takeWhere(func(*entry) bool { return true })
	for _, e := range failed {
		e.finish(nil, err)
	}
	return len(failed)
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Contains reports whether id is live.
func (t *Table) Contains(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Future is the completion handle of one registered call.
type Future struct {
	id   uint64
	done chan struct{}
	resp *message.Response
	err  error
}

func newFuture(id uint64) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// complete is only ever called by the goroutine that removed the entry.
func (f *Future) complete(resp *message.Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}

func (f *Future) ID() uint64 {
	return f.id
}

// Done is closed once the outcome is known.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (*message.Response, error) {
	return f.resp, f.err
}

// Wait blocks until the outcome is known or ctx ends. Ending ctx does not
// remove the entry; that is the owner's job.
func (f *Future) Wait(ctx context.Context) (*message.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
