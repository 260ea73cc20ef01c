// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpc

import (
	"sync"
	"time"
)

// Clock hands out message ids.  A message id is the server adjusted unix time
// in the high 32 bits and the sub second fraction in the low 32 bits, with the
// two lowest bits clear.  Ids are strictly increasing until Update sets the
// clock back.
//
// One Clock is shared by every session of a process.
type Clock struct {
	sync.Mutex

	offset time.Duration // server minus local
	last   uint64
	now    func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the local time corrected by the server offset.
func (c *Clock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now().Add(c.offset)
}

// Offset returns the current correction.
func (c *Clock) Offset() time.Duration {
	c.Lock()
	defer c.Unlock()
	return c.offset
}

// Update adjusts the offset so Now matches server.  It reports whether the
// clock was set back by more than a second.  Ids then restart from the
// corrected time and may be lower than ids handed out before, so callers
// must not use them in a session that already sent the higher ones.
func (c *Clock) Update(server time.Time) bool {
	c.Lock()
	defer c.Unlock()
	offset := server.Sub(c.now())
	rewound := offset < c.offset-time.Second
	if rewound {
		c.last = 0
	}
	c.offset = offset
	return rewound
}

// MsgID returns the next message id.
func (c *Clock) MsgID() uint64 {
	c.Lock()
	defer c.Unlock()

	t := c.now().Add(c.offset)
	id := uint64(t.Unix())<<32 |
		(uint64(t.Nanosecond())<<32)/uint64(time.Second)
	id &^= 3
	if id <= c.last {
		id = c.last + 4
	}
	c.last = id
	return id
}

// MsgIDTime returns the second a message id was created in.
func MsgIDTime(id uint64) time.Time {
	return time.Unix(int64(id>>32), 0)
}
