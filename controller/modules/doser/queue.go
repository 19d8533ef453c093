package doser

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// Task kinds processed by the queue worker.
const (
	TaskCheck     = "check"
	TaskDose      = "dose"
	TaskCalibrate = "calibrate"
)

// Task is a single queued dosing job: a scheduled control check, a manual
// dose, or a timed calibration run.
type Task struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"`
	Channel  string  `json:"channel"`
	VolumeML float64 `json:"volume_ml"`
	Seconds  float64 `json:"seconds"`
	Time     int64   `json:"ts"`
}

// storeIface is the minimal subset of the controller store the queue needs.
type storeIface interface {
	List(bucket string, fn func(string, []byte) error) error
	Create(bucket string, fn func(string) interface{}) error
	Delete(bucket, id string) error
}

// Queue manages a persistent FIFO queue of tasks. Pending tasks survive a
// restart; at most one task per channel may be queued or running.
type Queue struct {
	store   storeIface
	mu      sync.Mutex
	cond    *sync.Cond
	current *Task
	stopped bool
	gen     int
}

func NewQueue(store storeIface) *Queue {
	q := &Queue{store: store}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// AddTask enqueues a task unless its channel already has one queued or
// running.
func (q *Queue) AddTask(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.Channel == task.Channel {
		return errors.New("task for " + task.Channel + " already in progress")
	}
	if err := q.store.List(queueBucket, func(_ string, v []byte) error {
		var t Task
		if err := json.Unmarshal(v, &t); err == nil && t.Channel == task.Channel {
			return errors.New("duplicate")
		}
		return nil
	}); err != nil {
		return errors.New("task for " + task.Channel + " already queued")
	}

	task.Time = time.Now().UnixNano()
	fn := func(id string) interface{} {
		task.ID = id
		return &task
	}
	if err := q.store.Create(queueBucket, fn); err != nil {
		return err
	}
	q.cond.Signal()
	return nil
}

// RemoveTask cancels the queued (not running) task for a channel.
func (q *Queue) RemoveTask(channel string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.Channel == channel {
		return errors.New("cannot cancel, task for " + channel + " is running")
	}
	var deleteID string
	_ = q.store.List(queueBucket, func(id string, v []byte) error {
		var t Task
		if err := json.Unmarshal(v, &t); err == nil && t.Channel == channel {
			deleteID = id
			return errors.New("found")
		}
		return nil
	})
	if deleteID == "" {
		return errors.New("no queued task for " + channel)
	}
	return q.store.Delete(queueBucket, deleteID)
}

// ListTasks returns pending tasks in FIFO order.
func (q *Queue) ListTasks() ([]Task, error) {
	tasks := []Task{}
	if err := q.store.List(queueBucket, func(_ string, v []byte) error {
		var t Task
		if err := json.Unmarshal(v, &t); err == nil {
			tasks = append(tasks, t)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Time < tasks[j].Time
	})
	return tasks, nil
}

// Current reports the task being executed, if any.
func (q *Queue) Current() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return nil
	}
	t := *q.current
	return &t
}

// ProcessTasks runs worker for each task, oldest first, until Stop. It
// blocks on a condition variable while the queue is empty. Starting it
// again after Stop resumes processing.
func (q *Queue) ProcessTasks(worker func(Task)) {
	q.mu.Lock()
	q.stopped = false
	q.gen++
	gen := q.gen
	q.cond.Broadcast()
	q.mu.Unlock()
	for {
		q.mu.Lock()
		var next *Task
		var nextKey string
		for {
			if q.stopped || q.gen != gen {
				q.mu.Unlock()
				return
			}
			next, nextKey = q.oldest()
			if next != nil {
				break
			}
			q.cond.Wait()
		}
		_ = q.store.Delete(queueBucket, nextKey)
		q.current = next
		q.mu.Unlock()

		worker(*next)

		q.mu.Lock()
		q.current = nil
		q.mu.Unlock()
	}
}

// oldest must be called with q.mu held.
func (q *Queue) oldest() (*Task, string) {
	var next *Task
	var nextKey string
	_ = q.store.List(queueBucket, func(id string, v []byte) error {
		var t Task
		if err := json.Unmarshal(v, &t); err == nil {
			if next == nil || t.Time < next.Time {
				next = &t
				nextKey = id
			}
		}
		return nil
	})
	return next, nextKey
}

// Stop wakes the worker and makes it exit once the running task finishes.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
