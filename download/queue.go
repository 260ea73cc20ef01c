// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package download

type enqueued struct {
	task     *Task
	priority int
}

// queue orders the tasks of one datacenter by priority.  Within a priority
// the most recently enqueued task comes first.
type queue struct {
	tasks []enqueued
}

func (q *queue) find(t *Task) int {
	for i := range q.tasks {
		if q.tasks[i].task == t {
			return i
		}
	}
	return -1
}

// enqueue adds t, or moves it when it is already queued.
func (q *queue) enqueue(t *Task, priority int) {
	if i := q.find(t); i >= 0 {
		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
	}
	at := len(q.tasks)
	for i := range q.tasks {
		if q.tasks[i].priority <= priority {
			at = i
			break
		}
	}
	q.tasks = append(q.tasks, enqueued{})
	copy(q.tasks[at+1:], q.tasks[at:])
	q.tasks[at] = enqueued{task: t, priority: priority}
}

func (q *queue) remove(t *Task) {
	if i := q.find(t); i >= 0 {
		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
	}
}

// resetGeneration moves the zero priority tasks behind everything enqueued
// from now on.
func (q *queue) resetGeneration() {
	for i := range q.tasks {
		switch q.tasks[i].priority {
		case 0:
			q.tasks[i].priority = -1
		case -1:
			return
		}
	}
}

func (q *queue) empty() bool {
	return len(q.tasks) == 0
}

// next returns the first task ready for another request.  With
// onlyHighest set and a positive top priority only that tier is looked at.
func (q *queue) next(onlyHighest bool) *Task {
	if len(q.tasks) == 0 {
		return nil
	}
	top := q.tasks[0].priority
	for _, e := range q.tasks {
		if onlyHighest && top > 0 && e.priority != top {
			break
		}
		if e.task.readyToRequest() {
			return e.task
		}
	}
	return nil
}
