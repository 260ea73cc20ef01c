// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package download

import "time"

const (
	// PartSize is the size of one requested part.
	PartSize = 128 * 1024

	// MaxSessions is the largest number of sub-sessions per datacenter.
	MaxSessions = 8

	startWaitedInSession = 4 * PartSize
	maxWaitedInSession   = 16 * PartSize
	startSessions        = 1

	maxTrackedRemoves          = 64
	retryAddSessionTimeout     = 8 * time.Second
	retryAddSessionSuccesses   = 3
	maxTrackedSuccesses        = retryAddSessionSuccesses * maxTrackedRemoves
	removeSessionAfterTimeouts = 4
	badRequestDuration         = 8 * time.Second

	// removing marks a session that must not be chosen while its requests
	// are redirected.
	removing = maxWaitedInSession * MaxSessions
)

type sessionBalance struct {
	requested int
	successes int
	maxWaited int // watermark of requested bytes
}

func newSessionBalance() sessionBalance {
	return sessionBalance{maxWaited: startWaitedInSession}
}

// balance is the load of the sub-sessions of one datacenter.
type balance struct {
	sessions       []sessionBalance
	totalRequested int
	timeouts       int // consecutive
	removeIndex    int
	removes        int // consecutive removes of removeIndex
	lastRemove     time.Time
	maxSessions    int
}

func newBalance(maxSessions int) *balance {
	if maxSessions <= 0 || maxSessions > MaxSessions {
		maxSessions = MaxSessions
	}
	b := &balance{
		sessions:    make([]sessionBalance, startSessions),
		removeIndex: -1,
		maxSessions: maxSessions,
	}
	for i := range b.sessions {
		b.sessions[i] = newSessionBalance()
	}
	return b
}

// best returns the least loaded session that can take limit more bytes
// without passing its watermark, or -1.
func (b *balance) best(limit int) int {
	load := func(s sessionBalance) int {
		if s.requested < s.maxWaited {
			return s.requested
		}
		return maxWaitedInSession
	}
	j := 0
	for i := range b.sessions {
		if load(b.sessions[i]) < load(b.sessions[j]) {
			j = i
		}
	}
	if b.sessions[j].requested+limit > b.sessions[j].maxWaited {
		return -1
	}
	return j
}

// least returns the session with the fewest requested bytes.
func (b *balance) least() int {
	j := 0
	for i := range b.sessions {
		if b.sessions[i].requested < b.sessions[j].requested {
			j = i
		}
	}
	return j
}

// change adds delta requested bytes to session index and returns its new
// total.
func (b *balance) change(index, delta int) int {
	b.sessions[index].requested += delta
	b.totalRequested += delta
	return b.sessions[index].requested
}

// idle reports whether no session has anything requested.
func (b *balance) idle() bool {
	for _, s := range b.sessions {
		if s.requested > 0 {
			return false
		}
	}
	return true
}

type verdict int

const (
	ignored verdict = iota
	counted
	added
	slow
)

// succeeded records a completed request that was placed on session index
// when the session had amount bytes requested.  A slow request must be
// reported to timedOut by the caller.
func (b *balance) succeeded(index, amount int, started, now time.Time) verdict {
	if index >= len(b.sessions) {
		return ignored
	}
	s := &b.sessions[index]
	if !started.After(b.lastRemove) || amount > s.maxWaited {
		// overloaded
		return ignored
	}
	if now.Sub(started) >= badRequestDuration {
		return slow
	}
	if amount == s.maxWaited && s.maxWaited < maxWaitedInSession {
		s.maxWaited = min(s.maxWaited+PartSize, maxWaitedInSession)
	}
	s.successes = min(s.successes+1, maxTrackedSuccesses)

	need := (b.removes + 1) * retryAddSessionSuccesses
	for _, s := range b.sessions {
		if s.successes < need {
			return counted
		}
	}
	for i := range b.sessions {
		b.sessions[i].successes = 0
	}
	if b.timeouts > 0 {
		b.timeouts--
		return counted
	}
	if len(b.sessions) >= b.maxSessions {
		return counted
	}
	delay := time.Duration(b.removes+1) * retryAddSessionTimeout
	if !b.lastRemove.IsZero() && now.Before(b.lastRemove.Add(delay)) {
		return counted
	}
	b.sessions = append(b.sessions, newSessionBalance())
	return added
}

// timedOut records a timeout of session index and reports whether the last
// session must be removed.
func (b *balance) timedOut(index int) bool {
	if index >= len(b.sessions) {
		return false
	}
	b.sessions[index].maxWaited = startWaitedInSession
	for i := range b.sessions {
		b.sessions[i].successes = 0
	}
	if len(b.sessions) == startSessions {
		return false
	}
	b.timeouts++
	if b.timeouts < removeSessionAfterTimeouts {
		return false
	}
	b.timeouts = 0
	return true
}

// beginRemove marks the last session so nothing is placed on it and returns
// its index.
func (b *balance) beginRemove() int {
	index := len(b.sessions) - 1
	if b.removeIndex == index {
		b.removes = min(b.removes+1, maxTrackedRemoves)
	} else {
		b.removeIndex = index
		b.removes = 1
	}
	b.sessions[index].requested += removing
	return index
}

// finishRemove drops the last session once its requests are redirected.
func (b *balance) finishRemove(now time.Time) {
	last := len(b.sessions) - 1
	b.totalRequested -= b.sessions[last].requested - removing
	b.sessions = b.sessions[:last]
	b.lastRemove = now
}

// reset forgets all load while keeping the number of sessions.
func (b *balance) reset() {
	n := len(b.sessions)
	maxSessions := b.maxSessions
	*b = *newBalance(maxSessions)
	b.sessions = make([]sessionBalance, n)
	for i := range b.sessions {
		b.sessions[i] = newSessionBalance()
	}
}
