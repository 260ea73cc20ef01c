// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// download spreads the parts of file downloads over a pool of sub-sessions
// per datacenter.  The pool grows while requests come back quickly and
// shrinks when sub-sessions keep timing out.
//
// All scheduler state is owned by the goroutine running Run.  The exported
// methods queue events for it and may be called from anywhere.
package download

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/companyzero/mtpcore/debug"
)

const (
	resetPrioritiesTimeout = 200 * time.Millisecond
	killSessionTimeout     = 15 * time.Second
)

var (
	ErrCanceled  = errors.New("download canceled")
	ErrShortFile = errors.New("file shorter than announced")
)

// Conn is a running sub-session.
type Conn interface {
	Invoke(ctx context.Context, body []byte) ([]byte, error)
	Stop()
}

// Connector starts sub-session index of datacenter dc.
type Connector interface {
	Start(dc, index int) Conn
}

// Source builds part requests and reads their answers.
type Source interface {
	Request(offset int64, limit int) []byte
	Part(reply []byte) ([]byte, error)
}

// Task is one file download.  The result arrives on Done.
type Task struct {
	DC     int
	Size   int64 // 0 when unknown; parts are requested until a short one
	Source Source
	W      io.WriterAt
	Done   chan error

	announced bool
	eof       bool // a short part set Size
	next      int64
	written   int64
	sent      map[uint64]*request
	finished  bool
}

// NewTask returns a task writing the file described by src to w.  A size
// of 0 downloads until the server returns a short part.
func NewTask(dc int, size int64, src Source, w io.WriterAt) *Task {
	return &Task{
		DC:     dc,
		Size:   size,
		Source: src,
		W:      w,
		Done:   make(chan error, 1),

		announced: size > 0,
	}
}

func (t *Task) readyToRequest() bool {
	if t.finished {
		return false
	}
	if !t.announced && !t.eof {
		return true
	}
	return t.next < t.Size
}

func (t *Task) complete() bool {
	return (t.announced || t.eof) && t.next >= t.Size && len(t.sent) == 0
}

type request struct {
	id     uint64
	task   *Task
	offset int64
	index  int
	amount int // requested in the session including this part
	sent   time.Time
	cancel context.CancelFunc
}

// Stats describes the pool of one datacenter.
type Stats struct {
	Sessions  int
	Requested int
	Queued    int
}

// Config describes a scheduler.
type Config struct {
	Connector   Connector
	MaxSessions int // MaxSessions when 0
	Log         *debug.Debug
	LogID       int
}

type eventKind int

const (
	evEnqueue eventKind = iota
	evRemove
	evCancel
	evTimedOut
	evDone
	evStats
)

type event struct {
	kind     eventKind
	task     *Task
	priority int
	dc       int
	index    int
	id       uint64
	reply    []byte
	err      error
	stats    chan Stats
}

// Scheduler runs file downloads.
type Scheduler struct {
	cfg Config

	mtx   sync.Mutex
	inbox []event
	wake  chan struct{}

	ctx      context.Context
	queues   map[int]*queue
	balances map[int]*balance
	conns    map[int][]Conn
	requests map[uint64]*request
	lastID   uint64
	resetAt  time.Time
	killAt   map[int]time.Time
}

// New returns a scheduler.  Nothing is requested until Run is called.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		queues:   make(map[int]*queue),
		balances: make(map[int]*balance),
		conns:    make(map[int][]Conn),
		requests: make(map[uint64]*request),
		killAt:   make(map[int]time.Time),
	}
}

func (s *Scheduler) post(ev event) {
	s.mtx.Lock()
	s.inbox = append(s.inbox, ev)
	s.mtx.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Enqueue queues t with the given priority, higher first.  Enqueueing a
// queued task changes its priority.
func (s *Scheduler) Enqueue(t *Task, priority int) {
	s.post(event{kind: evEnqueue, task: t, priority: priority})
}

// Remove takes t out of the queue.  Parts already requested still land.
func (s *Scheduler) Remove(t *Task) {
	s.post(event{kind: evRemove, task: t})
}

// Cancel stops t and delivers ErrCanceled.
func (s *Scheduler) Cancel(t *Task) {
	s.post(event{kind: evCancel, task: t})
}

// TimedOut reports that sub-session index of dc restarted after a receive
// timeout.
func (s *Scheduler) TimedOut(dc, index int) {
	s.post(event{kind: evTimedOut, dc: dc, index: index})
}

// Stats returns the pool state of dc.
func (s *Scheduler) Stats(ctx context.Context, dc int) (Stats, error) {
	c := make(chan Stats, 1)
	s.post(event{kind: evStats, dc: dc, stats: c})
	select {
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case st := <-c:
		return st, nil
	}
}

// Run schedules downloads until ctx is done.  Unfinished tasks are then
// delivered the context error.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	defer s.shutdown(ctx)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		timer.Reset(s.nextTimeout(time.Now()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			s.drainInbox()
		case now := <-timer.C:
			s.expire(now)
		}
	}
}

func (s *Scheduler) drainInbox() {
	s.mtx.Lock()
	evs := s.inbox
	s.inbox = nil
	s.mtx.Unlock()

	for _, ev := range evs {
		s.handle(ev, time.Now())
	}
}

func (s *Scheduler) handle(ev event, now time.Time) {
	switch ev.kind {
	case evEnqueue:
		if ev.task.finished {
			return
		}
		if ev.task.sent == nil {
			ev.task.sent = make(map[uint64]*request)
		}
		s.queue(ev.task.DC).enqueue(ev.task, ev.priority)
		// one reset per burst of enqueues; a queue that sees no new
		// tasks keeps its priorities
		if s.resetAt.IsZero() {
			s.resetAt = now.Add(resetPrioritiesTimeout)
		}
		s.checkSendNext(ev.task.DC)

	case evRemove:
		s.queue(ev.task.DC).remove(ev.task)
		s.checkSendNext(ev.task.DC)

	case evCancel:
		s.fail(ev.task, ErrCanceled)
		s.checkSendNext(ev.task.DC)

	case evTimedOut:
		s.timedOut(ev.dc, ev.index, now)
		s.checkSendNext(ev.dc)

	case evDone:
		s.partDone(ev, now)

	case evStats:
		b := s.balance(ev.dc)
		ev.stats <- Stats{
			Sessions:  len(b.sessions),
			Requested: b.totalRequested,
			Queued:    len(s.queue(ev.dc).tasks),
		}
	}
}

func (s *Scheduler) queue(dc int) *queue {
	q, ok := s.queues[dc]
	if !ok {
		q = new(queue)
		s.queues[dc] = q
	}
	return q
}

func (s *Scheduler) balance(dc int) *balance {
	b, ok := s.balances[dc]
	if !ok {
		b = newBalance(s.cfg.MaxSessions)
		s.balances[dc] = b
	}
	return b
}

func (s *Scheduler) conn(dc, index int) Conn {
	conns := s.conns[dc]
	for len(conns) <= index {
		conns = append(conns, nil)
	}
	if conns[index] == nil {
		s.cfg.Log.Dbg(s.cfg.LogID, "dc %v: starting session %v", dc, index)
		conns[index] = s.cfg.Connector.Start(dc, index)
	}
	s.conns[dc] = conns
	return conns[index]
}

func (s *Scheduler) stopConn(dc, index int) {
	conns := s.conns[dc]
	if index >= len(conns) || conns[index] == nil {
		return
	}
	conns[index].Stop()
	conns[index] = nil
}

// change adjusts the requested bytes of a session and arms or disarms the
// idle timer of dc.
func (s *Scheduler) change(dc, index, delta int, now time.Time) int {
	b := s.balance(dc)
	amount := b.change(index, delta)
	if delta > 0 {
		delete(s.killAt, dc)
	} else if b.idle() {
		if _, ok := s.killAt[dc]; !ok {
			s.killAt[dc] = now.Add(killSessionTimeout)
		}
	}
	return amount
}

func (s *Scheduler) checkSendNext(dc int) {
	for s.trySendNext(dc) {
	}
}

func (s *Scheduler) trySendNext(dc int) bool {
	b := s.balance(dc)
	index := b.best(PartSize)
	if index < 0 {
		return false
	}
	t := s.queue(dc).next(b.totalRequested > 0)
	if t == nil {
		return false
	}
	offset := t.next
	t.next += PartSize
	s.place(t, offset, index, time.Now())
	return true
}

// place requests the part of t at offset on session index.
func (s *Scheduler) place(t *Task, offset int64, index int, now time.Time) {
	s.lastID++
	ctx, cancel := context.WithCancel(s.ctx)
	r := &request{
		id:     s.lastID,
		task:   t,
		offset: offset,
		index:  index,
		amount: s.change(t.DC, index, PartSize, now),
		sent:   now,
		cancel: cancel,
	}
	s.requests[r.id] = r
	t.sent[r.id] = r

	conn := s.conn(t.DC, index)
	body := t.Source.Request(offset, PartSize)
	s.cfg.Log.T(s.cfg.LogID, "dc %v: part %v on session %v", t.DC, offset,
		index)
	go func() {
		reply, err := conn.Invoke(ctx, body)
		s.post(event{kind: evDone, id: r.id, reply: reply, err: err})
	}()
}

// finish forgets r and cancels its invocation.
func (s *Scheduler) finish(r *request, now time.Time) {
	delete(s.requests, r.id)
	delete(r.task.sent, r.id)
	s.change(r.task.DC, r.index, -PartSize, now)
	r.cancel()
}

func (s *Scheduler) partDone(ev event, now time.Time) {
	r, ok := s.requests[ev.id]
	if !ok {
		// canceled or redirected
		return
	}
	t := r.task
	s.finish(r, now)
	defer s.checkSendNext(t.DC)

	if ev.err != nil {
		s.fail(t, fmt.Errorf("part %v: %w", r.offset, ev.err))
		return
	}
	switch s.balance(t.DC).succeeded(r.index, r.amount, r.sent, now) {
	case slow:
		s.cfg.Log.Dbg(s.cfg.LogID, "dc %v: slow part on session %v",
			t.DC, r.index)
		s.timedOut(t.DC, r.index, now)
	case added:
		s.cfg.Log.Dbg(s.cfg.LogID, "dc %v: adding session, now %v",
			t.DC, len(s.balance(t.DC).sessions))
	}

	data, err := t.Source.Part(ev.reply)
	if err != nil {
		s.fail(t, fmt.Errorf("part %v: %w", r.offset, err))
		return
	}
	if len(data) > 0 {
		if _, err := t.W.WriteAt(data, r.offset); err != nil {
			s.fail(t, err)
			return
		}
	}
	t.written += int64(len(data))

	if len(data) < PartSize {
		end := r.offset + int64(len(data))
		switch {
		case !t.announced && (!t.eof || end < t.Size):
			// parts past the end may answer first
			t.Size = end
			t.eof = true
		case t.announced && end < t.Size:
			s.fail(t, fmt.Errorf("%w: %v < %v", ErrShortFile, end,
				t.Size))
			return
		}
		for _, o := range t.sent {
			if o.offset >= t.Size {
				s.finish(o, now)
			}
		}
	}
	if t.complete() {
		t.finished = true
		s.queue(t.DC).remove(t)
		s.cfg.Log.Dbg(s.cfg.LogID, "dc %v: download done, %v bytes", t.DC,
			t.written)
		t.Done <- nil
	}
}

// fail stops t and delivers err.
func (s *Scheduler) fail(t *Task, err error) {
	if t.finished {
		return
	}
	now := time.Now()
	for _, r := range t.sent {
		s.finish(r, now)
	}
	t.finished = true
	s.queue(t.DC).remove(t)
	t.Done <- err
}

func (s *Scheduler) timedOut(dc, index int, now time.Time) {
	b, ok := s.balances[dc]
	if !ok || !b.timedOut(index) {
		return
	}
	s.removeSession(dc, now)
}

// removeSession drops the last session of dc and sends its parts again on
// the remaining ones.
func (s *Scheduler) removeSession(dc int, now time.Time) {
	b := s.balance(dc)
	index := b.beginRemove()

	var moved []*request
	for _, r := range s.requests {
		if r.task.DC == dc && r.index == index {
			moved = append(moved, r)
		}
	}
	slices.SortFunc(moved, func(x, y *request) int {
		return cmp.Compare(x.id, y.id)
	})
	for _, r := range moved {
		s.finish(r, now)
		s.place(r.task, r.offset, b.least(), now)
	}
	b.finishRemove(now)
	s.stopConn(dc, index)
	s.conns[dc] = s.conns[dc][:min(index, len(s.conns[dc]))]

	s.cfg.Log.Info(s.cfg.LogID, "dc %v: removed session %v, now %v",
		dc, index, len(b.sessions))
}

// nextTimeout returns how long until the next timer fires.
func (s *Scheduler) nextTimeout(now time.Time) time.Duration {
	next := now.Add(time.Hour)
	if !s.resetAt.IsZero() && s.resetAt.Before(next) {
		next = s.resetAt
	}
	for _, t := range s.killAt {
		if t.Before(next) {
			next = t
		}
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return time.Millisecond
}

func (s *Scheduler) expire(now time.Time) {
	if !s.resetAt.IsZero() && !now.Before(s.resetAt) {
		for _, q := range s.queues {
			q.resetGeneration()
		}
		s.resetAt = time.Time{}
	}
	for dc, t := range s.killAt {
		if now.Before(t) {
			continue
		}
		delete(s.killAt, dc)
		s.killSessions(dc)
	}
}

// killSessions stops the idle sessions of dc.
func (s *Scheduler) killSessions(dc int) {
	b := s.balance(dc)
	if !b.idle() {
		return
	}
	for i := range s.conns[dc] {
		s.stopConn(dc, i)
	}
	delete(s.conns, dc)
	b.reset()
	s.cfg.Log.Dbg(s.cfg.LogID, "dc %v: sessions idle, stopped", dc)
}

func (s *Scheduler) shutdown(ctx context.Context) {
	for _, q := range s.queues {
		for _, e := range slices.Clone(q.tasks) {
			s.fail(e.task, ctx.Err())
		}
	}
	// removed tasks with parts in flight
	for _, r := range s.requests {
		s.fail(r.task, ctx.Err())
	}
	for dc, conns := range s.conns {
		for i := range conns {
			s.stopConn(dc, i)
		}
	}
}
