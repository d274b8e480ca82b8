// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process queue broker. Jobs do not survive a
// restart; it backs tests and single-binary development setups.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/absmach/valwatch/queue"
)

var errBrokerClosed = errors.New("memory broker closed")

var _ queue.Broker = (*Broker)(nil)

// Broker holds every queue in memory.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*backend
	closed bool
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{queues: make(map[string]*backend)}
}

// Open returns the backend for name, creating it on first use.
func (b *Broker) Open(_ context.Context, name string) (queue.Backend, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBrokerClosed
	}
	be, ok := b.queues[name]
	if !ok {
		be = &backend{broker: b, jobs: make(map[string]*entry)}
		b.queues[name] = be
	}
	be.recover()
	return be, nil
}

// Ping fails once the broker is closed.
func (b *Broker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBrokerClosed
	}
	return nil
}

// Close closes the broker. Stored jobs are kept so a test can inspect them.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Reopen makes a closed broker usable again, as a restarted server would be.
func (b *Broker) Reopen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = false
}

type state int

const (
	waiting state = iota
	active
	delayed
)

type entry struct {
	job     queue.Job
	state   state
	readyAt time.Time
	seq     uint64
}

type backend struct {
	broker    *Broker
	mu        sync.Mutex
	jobs      map[string]*entry
	seq       uint64
	completed int64
	failed    int64
}

func (be *backend) alive() error {
	be.broker.mu.Lock()
	defer be.broker.mu.Unlock()
	if be.broker.closed {
		return errBrokerClosed
	}
	return nil
}

// recover returns jobs left active by a previous owner to the waiting set.
func (be *backend) recover() {
	be.mu.Lock()
	defer be.mu.Unlock()
	for _, e := range be.jobs {
		if e.state == active {
			be.seq++
			e.state, e.seq = waiting, be.seq
		}
	}
}

func (be *backend) Add(_ context.Context, job *queue.Job) error {
	if err := be.alive(); err != nil {
		return err
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	if _, ok := be.jobs[job.ID]; ok {
		return nil
	}
	be.seq++
	e := &entry{job: *job, state: waiting, readyAt: job.ReadyAt, seq: be.seq}
	if job.ReadyAt.After(time.Now()) {
		e.state = delayed
	}
	be.jobs[job.ID] = e
	return nil
}

func (be *backend) Claim(_ context.Context, now time.Time) (*queue.Job, error) {
	if err := be.alive(); err != nil {
		return nil, err
	}
	be.mu.Lock()
	defer be.mu.Unlock()

	var best *entry
	for _, e := range be.jobs {
		if e.state == delayed && !e.readyAt.After(now) {
			be.seq++
			e.state, e.seq = waiting, be.seq
		}
		if e.state != waiting {
			continue
		}
		if best == nil || e.job.Options.Priority > best.job.Options.Priority ||
			(e.job.Options.Priority == best.job.Options.Priority && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil, queue.ErrNoJob
	}
	best.state = active
	job := best.job
	return &job, nil
}

func (be *backend) Complete(_ context.Context, job *queue.Job) error {
	if err := be.alive(); err != nil {
		return err
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	delete(be.jobs, job.ID)
	be.completed++
	return nil
}

func (be *backend) Fail(_ context.Context, job *queue.Job, retryAt time.Time, retry bool) error {
	if err := be.alive(); err != nil {
		return err
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	if !retry {
		delete(be.jobs, job.ID)
		be.failed++
		return nil
	}
	be.seq++
	be.jobs[job.ID] = &entry{job: *job, state: delayed, readyAt: retryAt, seq: be.seq}
	return nil
}

func (be *backend) Counts(context.Context) (queue.Counts, error) {
	if err := be.alive(); err != nil {
		return queue.Counts{}, err
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	c := queue.Counts{Completed: be.completed, Failed: be.failed}
	for _, e := range be.jobs {
		switch e.state {
		case waiting:
			c.Waiting++
		case active:
			c.Active++
		case delayed:
			c.Delayed++
		}
	}
	return c, nil
}

func (be *backend) Drain(context.Context) error {
	if err := be.alive(); err != nil {
		return err
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	for id, e := range be.jobs {
		if e.state != active {
			delete(be.jobs, id)
		}
	}
	return nil
}

func (be *backend) Close() error {
	return nil
}
