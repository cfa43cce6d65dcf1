// Package copilot – admission.go enforces one active turn per sender.
// Messages that arrive while a sender's turn runs are either websocket-level
// followups (deferred, re-evaluated after the turn) or promoted tasks queued
// behind the active one.
package copilot

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jholhewres/sentra/pkg/sentra/channels"
)

// TaskStatus is the lifecycle of an admitted task.
type TaskStatus string

const (
	TaskQueued TaskStatus = "queued"
	TaskActive TaskStatus = "active"
	TaskDone   TaskStatus = "done"
)

// Task is one admitted unit of work for a sender.
type Task struct {
	ID        string
	SenderID  string
	Msg       *channels.IncomingMessage
	Status    TaskStatus
	CreatedAt time.Time

	// Deferred marks a task built from messages deferred during a turn. It
	// holds the sender's slot but has not passed the reply gate yet.
	Deferred bool
}

// AdmissionStats is a snapshot for the status API.
type AdmissionStats struct {
	Active   int `json:"active"`
	Queued   int `json:"queued"`
	Deferred int `json:"deferred"`
}

// Admission tracks active, queued and deferred work per sender.
type Admission struct {
	mu       sync.Mutex
	active   map[string]*Task
	queued   map[string][]*Task
	deferred map[string][]*channels.IncomingMessage
}

// NewAdmission creates an empty admission table.
func NewAdmission() *Admission {
	return &Admission{
		active:   make(map[string]*Task),
		queued:   make(map[string][]*Task),
		deferred: make(map[string][]*channels.IncomingMessage),
	}
}

// Defer stores msg for the sender when a turn is active. Returns false when
// the sender is idle and the caller should evaluate the message instead.
func (a *Admission) Defer(senderID string, msg *channels.IncomingMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.active[senderID]; !ok {
		return false
	}
	a.deferred[senderID] = append(a.deferred[senderID], msg)
	return true
}

// Admit registers a task for the sender. The task becomes active when the
// sender is idle (returns true), otherwise it is queued (returns false).
func (a *Admission) Admit(senderID string, msg *channels.IncomingMessage) (*Task, bool) {
	task := &Task{
		ID:        uuid.New().String(),
		SenderID:  senderID,
		Msg:       msg,
		CreatedAt: time.Now(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.active[senderID]; busy {
		task.Status = TaskQueued
		a.queued[senderID] = append(a.queued[senderID], task)
		return task, false
	}
	task.Status = TaskActive
	a.active[senderID] = task
	return task, true
}

// Release completes taskID like Complete. When nothing was promoted and the
// sender is idle but has deferred messages, they are merged into a new
// active task that is returned as reserved. Messages arriving after Release
// are then deferred behind it instead of overtaking it.
func (a *Admission) Release(senderID, taskID string) (next, reserved *Task) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if next = a.complete(senderID, taskID); next != nil {
		return next, nil
	}
	if _, busy := a.active[senderID]; busy {
		return nil, nil
	}
	msgs := a.deferred[senderID]
	if len(msgs) == 0 {
		return nil, nil
	}
	delete(a.deferred, senderID)

	reserved = &Task{
		ID:        uuid.New().String(),
		SenderID:  senderID,
		Msg:       MergeMessages(msgs),
		Status:    TaskActive,
		CreatedAt: time.Now(),
		Deferred:  true,
	}
	a.active[senderID] = reserved
	return nil, reserved
}

// Complete releases taskID. When it was the active task the next queued task
// (if any) becomes active and is returned. When it was still queued it is
// simply removed. Completing an unknown or already completed task is a no-op.
func (a *Admission) Complete(senderID, taskID string) *Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.complete(senderID, taskID)
}

func (a *Admission) complete(senderID, taskID string) *Task {
	if cur, ok := a.active[senderID]; ok && cur.ID == taskID {
		cur.Status = TaskDone
		delete(a.active, senderID)

		queue := a.queued[senderID]
		if len(queue) == 0 {
			delete(a.queued, senderID)
			return nil
		}
		next := queue[0]
		if len(queue) == 1 {
			delete(a.queued, senderID)
		} else {
			a.queued[senderID] = queue[1:]
		}
		next.Status = TaskActive
		a.active[senderID] = next
		return next
	}

	queue := a.queued[senderID]
	for i, t := range queue {
		if t.ID != taskID {
			continue
		}
		t.Status = TaskDone
		queue = append(queue[:i:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(a.queued, senderID)
		} else {
			a.queued[senderID] = queue
		}
		break
	}
	return nil
}

// DrainDeferred removes and returns the sender's deferred messages.
func (a *Admission) DrainDeferred(senderID string) []*channels.IncomingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.deferred[senderID]
	delete(a.deferred, senderID)
	return msgs
}

// IsActive reports whether the sender has an active task.
func (a *Admission) IsActive(senderID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[senderID]
	return ok
}

// Stats returns counts across all senders.
func (a *Admission) Stats() AdmissionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := AdmissionStats{Active: len(a.active)}
	for _, q := range a.queued {
		st.Queued += len(q)
	}
	for _, d := range a.deferred {
		st.Deferred += len(d)
	}
	return st
}
