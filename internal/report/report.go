// Package report builds the operator-facing views of an ingest: its
// status, its error summary and the destination-tree diff shown in review.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/render"
	"github.com/lherron/ingest/internal/store"
)

// taskOrder lists task types in stage order
var taskOrder = []domain.TaskType{
	domain.TaskTypeScan,
	domain.TaskTypeResolve,
	domain.TaskTypeDetectDuplicates,
	domain.TaskTypePrepare,
	domain.TaskTypePrepareSidecar,
	domain.TaskTypeUpload,
	domain.TaskTypeFinalize,
}

const pageSize = 500

var statusOrder = []domain.TaskStatus{
	domain.TaskPending,
	domain.TaskRunning,
	domain.TaskCompleted,
	domain.TaskFailed,
	domain.TaskCanceled,
}

// TaskCount is the number of tasks of one type per status
type TaskCount struct {
	Type      domain.TaskType `json:"type" yaml:"type"`
	Pending   int             `json:"pending" yaml:"pending"`
	Running   int             `json:"running" yaml:"running"`
	Completed int             `json:"completed" yaml:"completed"`
	Failed    int             `json:"failed" yaml:"failed"`
	Canceled  int             `json:"canceled" yaml:"canceled"`
}

func (tc *TaskCount) add(s domain.TaskStatus, n int) {
	switch s {
	case domain.TaskPending:
		tc.Pending += n
	case domain.TaskRunning:
		tc.Running += n
	case domain.TaskCompleted:
		tc.Completed += n
	case domain.TaskFailed:
		tc.Failed += n
	case domain.TaskCanceled:
		tc.Canceled += n
	}
}

func (tc TaskCount) cells() []string {
	return []string{
		string(tc.Type),
		render.Count(tc.Pending),
		render.Count(tc.Running),
		render.Count(tc.Completed),
		render.Count(tc.Failed),
		render.Count(tc.Canceled),
	}
}

// Status is the status view of one ingest
type Status struct {
	ID         string                `json:"id" yaml:"id"`
	Src        string                `json:"src" yaml:"src"`
	Status     domain.IngestStatus   `json:"status" yaml:"status"`
	CreatedAt  time.Time             `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at" yaml:"updated_at"`
	History    []domain.StatusChange `json:"history" yaml:"history"`
	Tasks      []TaskCount           `json:"tasks" yaml:"tasks"`
	Items      store.ItemStats       `json:"items" yaml:"items"`
	Containers int                   `json:"containers" yaml:"containers"`
	Errors     int                   `json:"errors" yaml:"errors"`
}

// BuildStatus gathers the status view of an ingest
func BuildStatus(st *store.Store, ingestID string) (*Status, error) {
	ing, err := st.Ingests.Get(ingestID)
	if err != nil {
		return nil, err
	}
	counts, err := st.Tasks.Counts(ingestID)
	if err != nil {
		return nil, err
	}
	items, err := st.Items.Stats(ingestID)
	if err != nil {
		return nil, err
	}
	containers, err := st.Containers.Count(ingestID)
	if err != nil {
		return nil, err
	}
	errs, err := st.Errors.Summary(ingestID, 0)
	if err != nil {
		return nil, err
	}

	s := &Status{
		ID:         ing.ID,
		Src:        ing.Src,
		Status:     ing.Status,
		CreatedAt:  ing.CreatedAt,
		UpdatedAt:  ing.UpdatedAt,
		History:    ing.History,
		Items:      items,
		Containers: containers,
	}
	for _, e := range errs {
		s.Errors += e.Count
	}
	for _, typ := range taskOrder {
		byStatus, ok := counts[typ]
		if !ok {
			continue
		}
		tc := TaskCount{Type: typ}
		for _, status := range statusOrder {
			tc.add(status, byStatus[status])
		}
		s.Tasks = append(s.Tasks, tc)
	}
	return s, nil
}

// WriteStatus renders a status view
func WriteStatus(r *render.Renderer, s *Status) error {
	overview := render.Table{
		Title:   fmt.Sprintf("Ingest %s", s.ID),
		Headers: []string{"FIELD", "VALUE"},
		Rows: [][]string{
			{"src", s.Src},
			{"status", string(s.Status)},
			{"items", render.Count(s.Items.Items)},
			{"files", render.Count(s.Items.Files)},
			{"size", render.Bytes(s.Items.Bytes)},
			{"resolved", render.Count(s.Items.Resolved)},
			{"existing", render.Count(s.Items.Existing)},
			{"skipped", render.Count(s.Items.Skipped)},
			{"containers", render.Count(s.Containers)},
			{"errors", render.Count(s.Errors)},
		},
	}

	history := render.Table{Title: "History", Headers: []string{"AT", "FROM", "TO"}}
	for _, h := range s.History {
		history.Rows = append(history.Rows, []string{h.At.UTC().Format(time.RFC3339), h.From, h.To})
	}

	tasks := render.Table{
		Title:   "Tasks",
		Headers: []string{"TYPE", "PENDING", "RUNNING", "COMPLETED", "FAILED", "CANCELED"},
	}
	for _, tc := range s.Tasks {
		tasks.Rows = append(tasks.Rows, tc.cells())
	}

	return r.Render(s, overview, history, tasks)
}

// ErrorReport is the error summary of one ingest
type ErrorReport struct {
	IngestID string                `json:"ingest_id" yaml:"ingest_id"`
	Total    int                   `json:"total" yaml:"total"`
	Codes    []domain.ErrorSummary `json:"codes" yaml:"codes"`
}

// BuildErrors groups the error rows of an ingest by code, keeping up to
// samples messages per code
func BuildErrors(st *store.Store, ingestID string, samples int) (*ErrorReport, error) {
	if _, err := st.Ingests.Status(ingestID); err != nil {
		return nil, err
	}
	codes, err := st.Errors.Summary(ingestID, samples)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(codes, func(i, j int) bool {
		if codes[i].Count != codes[j].Count {
			return codes[i].Count > codes[j].Count
		}
		return codes[i].Code < codes[j].Code
	})
	rep := &ErrorReport{IngestID: ingestID, Codes: codes}
	if rep.Codes == nil {
		rep.Codes = []domain.ErrorSummary{}
	}
	for _, c := range codes {
		rep.Total += c.Count
	}
	return rep, nil
}

// WriteErrors renders an error summary
func WriteErrors(r *render.Renderer, rep *ErrorReport) error {
	t := render.Table{
		Title:   fmt.Sprintf("%s errors", render.Count(rep.Total)),
		Headers: []string{"CODE", "COUNT", "MESSAGE"},
	}
	for _, c := range rep.Codes {
		if len(c.Samples) == 0 {
			t.Rows = append(t.Rows, []string{c.Code, render.Count(c.Count), ""})
			continue
		}
		for i, msg := range c.Samples {
			if i == 0 {
				t.Rows = append(t.Rows, []string{c.Code, render.Count(c.Count), msg})
			} else {
				t.Rows = append(t.Rows, []string{"", "", msg})
			}
		}
	}
	return r.Render(rep, t)
}

// ReviewDiff returns a unified diff between the destination tree already
// present remotely and the tree after import. Errored containers are left
// out of the result tree; new containers are annotated with the number of
// items they will receive.
func ReviewDiff(st *store.Store, ingestID string) (string, error) {
	uploads := make(map[string]int)
	err := st.Items.EachWithErrors(ingestID, pageSize, func(it *domain.ItemWithErrors) error {
		if it.ContainerID != nil && !it.ContainerError && it.ErrorCount == 0 {
			uploads[*it.ContainerID]++
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	var before, after []string
	err = st.Containers.Each(ingestID, pageSize, func(c *domain.Container) error {
		line := fmt.Sprintf("%s (%s)", c.DstPath, c.Level)
		if c.Existing {
			before = append(before, line+"\n")
		}
		if c.Error {
			return nil
		}
		if n := uploads[c.ID]; n > 0 {
			after = append(after, fmt.Sprintf("%s (+%d)\n", line, n))
		} else {
			after = append(after, line+"\n")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(before)
	sort.Strings(after)

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        before,
		B:        after,
		FromFile: "remote",
		ToFile:   "after import",
		Context:  3,
	})
}
