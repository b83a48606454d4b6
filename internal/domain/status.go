package domain

import (
	"fmt"
	"slices"
)

// IngestStatus is the overall status of an ingest
type IngestStatus string

const (
	IngestUnstarted           IngestStatus = "unstarted"
	IngestCreated             IngestStatus = "created"
	IngestScanning            IngestStatus = "scanning"
	IngestResolving           IngestStatus = "resolving"
	IngestDetectingDuplicates IngestStatus = "detecting_duplicates"
	IngestInReview            IngestStatus = "in_review"
	IngestPreparing           IngestStatus = "preparing"
	IngestPreparingSidecar    IngestStatus = "preparing_sidecar"
	IngestUploading           IngestStatus = "uploading"
	IngestFinalizing          IngestStatus = "finalizing"
	IngestFinished            IngestStatus = "finished"
	IngestFailed              IngestStatus = "failed"
	IngestAborted             IngestStatus = "aborted"
)

// TaskStatus is the status of a single task
type TaskStatus string

const (
	TaskUnstarted TaskStatus = "unstarted"
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// StateMachine is a finite set of states with a table of legal transitions.
// Transitions out of the unstarted state are unrestricted so records can be
// bootstrapped into any state.
type StateMachine[S ~string] struct {
	name      string
	unstarted S
	table     map[S][]S
}

// IngestMachine validates ingest status transitions
var IngestMachine = StateMachine[IngestStatus]{
	name:      "ingest",
	unstarted: IngestUnstarted,
	table: map[IngestStatus][]IngestStatus{
		IngestUnstarted:           {IngestCreated},
		IngestCreated:             {IngestScanning, IngestAborted},
		IngestScanning:            {IngestResolving, IngestFailed, IngestAborted},
		IngestResolving:           {IngestDetectingDuplicates, IngestInReview, IngestFailed, IngestAborted},
		IngestDetectingDuplicates: {IngestInReview, IngestFailed, IngestAborted},
		IngestInReview:            {IngestPreparing, IngestAborted},
		IngestPreparing:           {IngestUploading, IngestPreparingSidecar, IngestFailed, IngestAborted},
		IngestPreparingSidecar:    {IngestUploading, IngestFailed, IngestAborted},
		IngestUploading:           {IngestFinalizing, IngestFailed, IngestAborted},
		IngestFinalizing:          {IngestFinished, IngestFailed, IngestAborted},
		IngestFinished:            {},
		IngestFailed:              {},
		IngestAborted:             {},
	},
}

// TaskMachine validates task status transitions
var TaskMachine = StateMachine[TaskStatus]{
	name:      "task",
	unstarted: TaskUnstarted,
	table: map[TaskStatus][]TaskStatus{
		TaskUnstarted: {TaskPending},
		TaskPending:   {TaskRunning, TaskCanceled},
		TaskRunning:   {TaskCompleted, TaskPending, TaskFailed},
		TaskCompleted: {},
		TaskFailed:    {},
		TaskCanceled:  {},
	},
}

// InvalidTransitionError is returned when a status change is not in the
// transition table. It always indicates a programming error.
type InvalidTransitionError struct {
	Machine string
	From    string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition: %s -> %s", e.Machine, e.From, e.To)
}

// Transitions returns a copy of the transition table
func (m StateMachine[S]) Transitions() map[S][]S {
	out := make(map[S][]S, len(m.table))
	for k, v := range m.table {
		out[k] = slices.Clone(v)
	}
	return out
}

// States returns every state of the machine except unstarted
func (m StateMachine[S]) States() []S {
	var out []S
	for s := range m.table {
		if s != m.unstarted {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

// Known reports whether s belongs to the machine
func (m StateMachine[S]) Known(s S) bool {
	_, ok := m.table[s]
	return ok
}

// Unstarted returns the bootstrap state
func (m StateMachine[S]) Unstarted() S {
	return m.unstarted
}

// ValidateTransition fails with *InvalidTransitionError if to is not reachable
// from from in one step.
func (m StateMachine[S]) ValidateTransition(from, to S) error {
	if !m.Known(to) || to == m.unstarted {
		return &InvalidTransitionError{Machine: m.name, From: string(from), To: string(to)}
	}
	if from == m.unstarted {
		return nil
	}
	if slices.Contains(m.table[from], to) {
		return nil
	}
	return &InvalidTransitionError{Machine: m.name, From: string(from), To: string(to)}
}

// IsTerminal is true iff s has no outgoing transitions
func (m StateMachine[S]) IsTerminal(s S) bool {
	next, ok := m.table[s]
	return ok && len(next) == 0
}

// IsTerminal reports whether the ingest can no longer change status
func (s IngestStatus) IsTerminal() bool { return IngestMachine.IsTerminal(s) }

// IsTerminal reports whether the task can no longer change status
func (s TaskStatus) IsTerminal() bool { return TaskMachine.IsTerminal(s) }
