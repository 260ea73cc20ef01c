// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package download

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func order(q *queue) []*Task {
	var r []*Task
	for _, e := range q.tasks {
		r = append(r, e.task)
	}
	return r
}

func TestQueueEnqueue(t *testing.T) {
	a := NewTask(2, PartSize, nil, nil)
	b := NewTask(2, PartSize, nil, nil)
	c := NewTask(2, PartSize, nil, nil)

	var q queue
	q.enqueue(a, 0)
	q.enqueue(b, 1)
	q.enqueue(c, 0)
	require.Equal(t, []*Task{b, c, a}, order(&q))

	// moving a queued task
	q.enqueue(a, 2)
	require.Equal(t, []*Task{a, b, c}, order(&q))
	q.enqueue(a, 0)
	require.Equal(t, []*Task{b, a, c}, order(&q))
	require.Len(t, q.tasks, 3)

	q.remove(a)
	require.Equal(t, []*Task{b, c}, order(&q))
	q.remove(a)
	require.Len(t, q.tasks, 2)
}

func TestQueueResetGeneration(t *testing.T) {
	a := NewTask(2, PartSize, nil, nil)
	b := NewTask(2, PartSize, nil, nil)
	c := NewTask(2, PartSize, nil, nil)
	d := NewTask(2, PartSize, nil, nil)

	var q queue
	q.enqueue(a, 0)
	q.enqueue(b, 1)
	q.resetGeneration()
	require.Equal(t, 1, q.tasks[0].priority)
	require.Equal(t, -1, q.tasks[1].priority)

	// new zero priority work goes ahead of the old generation
	q.enqueue(c, 0)
	require.Equal(t, []*Task{b, c, a}, order(&q))
	q.resetGeneration()
	q.enqueue(d, 0)
	require.Equal(t, []*Task{b, d, c, a}, order(&q))
	require.Equal(t, -1, q.tasks[2].priority)
	require.Equal(t, -1, q.tasks[3].priority)
}

func TestQueueNext(t *testing.T) {
	a := NewTask(2, PartSize, nil, nil)
	b := NewTask(2, 2*PartSize, nil, nil)
	c := NewTask(2, PartSize, nil, nil)

	var q queue
	require.Nil(t, q.next(false))
	q.enqueue(c, 0)
	q.enqueue(b, 1)
	q.enqueue(a, 1)
	require.Equal(t, a, q.next(true))

	// a has everything requested
	a.next = PartSize
	require.Equal(t, b, q.next(true))
	b.next = 2 * PartSize
	require.Nil(t, q.next(true), "only the top tier while busy")
	require.Equal(t, c, q.next(false))

	// finished tasks are never ready
	c.finished = true
	require.Nil(t, q.next(false))

	// unknown size stays ready
	u := NewTask(2, 0, nil, nil)
	u.next = 100 * PartSize
	q.enqueue(u, 0)
	require.Equal(t, u, q.next(false))
}
