package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/testutil"
)

func setupTestIngest(t *testing.T) (*Store, *domain.Ingest) {
	t.Helper()
	s := New(testutil.TempDB(t))
	ing, err := s.Ingests.Create(IngestCreateParams{
		Src:    "/data/src",
		Config: domain.IngestConfig{SkipExisting: true, MaxRetries: 2},
	})
	if err != nil {
		t.Fatalf("failed to create ingest: %v", err)
	}
	return s, ing
}

func TestIngestStore_Create(t *testing.T) {
	s, ing := setupTestIngest(t)

	if ing.Status != domain.IngestCreated {
		t.Errorf("expected status created, got %s", ing.Status)
	}
	if !ing.Config.SkipExisting || ing.Config.MaxRetries != 2 {
		t.Errorf("config not round-tripped: %+v", ing.Config)
	}
	if len(ing.History) != 1 || ing.History[0].From != "unstarted" || ing.History[0].To != "created" {
		t.Errorf("unexpected history: %+v", ing.History)
	}

	list, err := s.Ingests.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != ing.ID {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestIngestStore_SetStatus(t *testing.T) {
	s, ing := setupTestIngest(t)

	from, err := s.Ingests.SetStatus(ing.ID, domain.IngestScanning)
	if err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if from != domain.IngestCreated {
		t.Errorf("expected previous status created, got %s", from)
	}

	// scanning -> in_review skips resolving
	_, err = s.Ingests.SetStatus(ing.ID, domain.IngestInReview)
	var ite *domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}

	status, err := s.Ingests.Status(ing.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != domain.IngestScanning {
		t.Errorf("rejected transition changed status to %s", status)
	}

	got, err := s.Ingests.Get(ing.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.History) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(got.History))
	}

	if _, err := s.Ingests.Get("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskStore_Lifecycle(t *testing.T) {
	s, ing := setupTestIngest(t)

	task, err := s.Tasks.Create(TaskCreateParams{IngestID: ing.ID, Type: domain.TaskTypeScan})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Errorf("expected pending, got %s", task.Status)
	}

	claimed, err := s.Tasks.Claim("worker-1", TaskFilter{IngestID: ing.ID})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed == nil || claimed.ID != task.ID {
		t.Fatalf("expected to claim %s, got %+v", task.ID, claimed)
	}
	if claimed.Status != domain.TaskRunning || claimed.Worker == nil || *claimed.Worker != "worker-1" {
		t.Errorf("unexpected claimed task: %+v", claimed)
	}

	none, err := s.Tasks.Claim("worker-2", TaskFilter{IngestID: ing.ID})
	if err != nil || none != nil {
		t.Fatalf("expected nothing to claim, got %+v, %v", none, err)
	}

	if err := s.Tasks.Requeue(task.ID, "flaky"); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	again, _ := s.Tasks.Claim("worker-2", TaskFilter{IngestID: ing.ID})
	if again == nil || again.Retries != 1 {
		t.Fatalf("expected requeued task with 1 retry, got %+v", again)
	}

	if err := s.Tasks.SetStatus(task.ID, domain.TaskCompleted, nil); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	err = s.Tasks.SetStatus(task.ID, domain.TaskRunning, nil)
	var ite *domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Errorf("expected InvalidTransitionError leaving a terminal state, got %v", err)
	}

	got, err := s.Tasks.Get(task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	want := []string{"pending", "running", "pending", "running", "completed"}
	if len(got.History) != len(want) {
		t.Fatalf("expected %d history entries, got %+v", len(want), got.History)
	}
	for i, h := range got.History {
		if h.To != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, h.To, want[i])
		}
	}
}

func TestTaskStore_ClaimFilterAndCancel(t *testing.T) {
	s, ing := setupTestIngest(t)

	ids, err := s.Tasks.CreateBatch([]TaskCreateParams{
		{IngestID: ing.ID, Type: domain.TaskTypeUpload, ItemID: testutil.StrPtr("a")},
		{IngestID: ing.ID, Type: domain.TaskTypeUpload, ItemID: testutil.StrPtr("b")},
		{IngestID: ing.ID, Type: domain.TaskTypeFinalize},
	})
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}

	task, err := s.Tasks.Claim("w", TaskFilter{IngestID: ing.ID, Types: []domain.TaskType{domain.TaskTypeFinalize}})
	if err != nil || task == nil || task.Type != domain.TaskTypeFinalize {
		t.Fatalf("expected finalize task, got %+v, %v", task, err)
	}

	open, err := s.Tasks.CountOpen(ing.ID, domain.TaskTypeUpload)
	if err != nil || open != 2 {
		t.Fatalf("expected 2 open uploads, got %d, %v", open, err)
	}

	n, err := s.Tasks.CancelPending(ing.ID)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 canceled, got %d, %v", n, err)
	}

	counts, err := s.Tasks.Counts(ing.ID)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[domain.TaskTypeUpload][domain.TaskCanceled] != 2 {
		t.Errorf("unexpected counts: %+v", counts)
	}
	if counts[domain.TaskTypeFinalize][domain.TaskRunning] != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}

	if _, err := s.Tasks.CreateBatch([]TaskCreateParams{{IngestID: ing.ID, Type: "review"}}); err == nil {
		t.Error("expected error for invalid task type")
	}
}

func TestTaskStore_StartAndRecover(t *testing.T) {
	s, ing := setupTestIngest(t)

	ids, err := s.Tasks.CreateBatch([]TaskCreateParams{
		{IngestID: ing.ID, Type: domain.TaskTypeUpload, ItemID: testutil.StrPtr("a")},
		{IngestID: ing.ID, Type: domain.TaskTypeUpload, ItemID: testutil.StrPtr("b")},
	})
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	ok, err := s.Tasks.Start(ids[0], "w1")
	if err != nil || !ok {
		t.Fatalf("expected start, got %v, %v", ok, err)
	}
	ok, err = s.Tasks.Start(ids[0], "w2")
	if err != nil || ok {
		t.Fatalf("expected second start to be refused, got %v, %v", ok, err)
	}

	n, err := s.Tasks.Recover(ing.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 recovered, got %d, %v", n, err)
	}
	task, err := s.Tasks.Get(ids[0])
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if task.Status != domain.TaskPending || task.Retries != 1 || task.Worker != nil {
		t.Errorf("unexpected recovered task: %+v", task)
	}
	if len(task.History) != 3 {
		t.Errorf("expected 3 history entries, got %d", len(task.History))
	}

	if _, err := s.Tasks.Start("missing", "w"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func makeContainer(ingestID string, parent *domain.Container, level domain.ContainerLevel, label string) *domain.Container {
	c := &domain.Container{
		ID:         uuid.NewString(),
		IngestID:   ingestID,
		Level:      level,
		SrcContext: domain.LevelInfo{Label: label},
	}
	if parent != nil {
		c.ParentID = &parent.ID
		c.Path = domain.JoinPath(parent.Path, label)
	} else {
		c.Path = domain.JoinPath("", label)
	}
	return c
}

func TestContainerStore(t *testing.T) {
	s, ing := setupTestIngest(t)

	group := makeContainer(ing.ID, nil, domain.LevelGroup, "A")
	project := makeContainer(ing.ID, group, domain.LevelProject, "P1")
	var subjects []*domain.Container
	for i := 0; i < 5; i++ {
		subjects = append(subjects, makeContainer(ing.ID, project, domain.LevelSubject, fmt.Sprintf("S%d", i)))
	}

	if err := s.Containers.InsertBatch(append([]*domain.Container{group, project}, subjects...)); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	got, err := s.Containers.GetByPath(ing.ID, "A/P1/S3")
	if err != nil {
		t.Fatalf("GetByPath failed: %v", err)
	}
	if got.ID != subjects[3].ID || got.Level != domain.LevelSubject || got.DstContext != nil {
		t.Errorf("unexpected container: %+v", got)
	}

	project.DstContext = &domain.DstContext{ID: "remote-p1", Files: []string{"a.txt"}}
	project.Existing = true
	if err := s.Containers.UpdateBatch([]*domain.Container{project}); err != nil {
		t.Fatalf("UpdateBatch failed: %v", err)
	}
	got, err = s.Containers.Get(project.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DstContext == nil || got.DstContext.ID != "remote-p1" || !got.DstContext.HasFile("a.txt") || !got.Existing {
		t.Errorf("update not persisted: %+v", got)
	}

	// duplicate path is rejected
	dup := makeContainer(ing.ID, nil, domain.LevelGroup, "A")
	if err := s.Containers.InsertBatch([]*domain.Container{dup}); err == nil {
		t.Error("expected unique path violation")
	}

	var paths []string
	if err := s.Containers.Each(ing.ID, 2, func(c *domain.Container) error {
		paths = append(paths, c.Path)
		return nil
	}); err != nil {
		t.Fatalf("Each failed: %v", err)
	}
	want := []string{"A", "A/P1", "A/P1/S0", "A/P1/S1", "A/P1/S2", "A/P1/S3", "A/P1/S4"}
	if fmt.Sprint(paths) != fmt.Sprint(want) {
		t.Errorf("Each order = %v, want %v", paths, want)
	}

	if _, err := s.Containers.Get("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestItemStore(t *testing.T) {
	s, ing := setupTestIngest(t)

	group := makeContainer(ing.ID, nil, domain.LevelGroup, "A")
	group.Error = true
	if err := s.Containers.InsertBatch([]*domain.Container{group}); err != nil {
		t.Fatalf("InsertBatch containers failed: %v", err)
	}

	ctx := domain.Context{}.WithLevel(domain.LevelGroup, domain.LevelInfo{Label: "A"})
	var items []*domain.Item
	for i := 0; i < 3; i++ {
		items = append(items, &domain.Item{
			ID:       uuid.NewString(),
			IngestID: ing.ID,
			Dir:      "A",
			Type:     domain.ItemTypeFile,
			Files:    []string{fmt.Sprintf("A/f%d", i)},
			FilesCnt: 1,
			BytesSum: 10,
			Context:  ctx,
		})
	}
	if err := s.Items.InsertBatch(items); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	items[1].ContainerID = &group.ID
	items[1].Filename = "f1"
	items[1].Existing = true
	if err := s.Items.UpdateBatch(items[1:2]); err != nil {
		t.Fatalf("UpdateBatch failed: %v", err)
	}

	if err := s.Errors.Add(&domain.Error{IngestID: ing.ID, ItemID: &items[1].ID, Code: domain.ErrCodeDuplicateUID, Message: "dup"}); err != nil {
		t.Fatalf("Add error failed: %v", err)
	}

	var seen []*domain.ItemWithErrors
	if err := s.Items.EachWithErrors(ing.ID, 2, func(it *domain.ItemWithErrors) error {
		seen = append(seen, it)
		return nil
	}); err != nil {
		t.Fatalf("EachWithErrors failed: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 items, got %d", len(seen))
	}
	for i, it := range seen {
		if it.ID != items[i].ID {
			t.Errorf("item %d out of insertion order", i)
		}
	}
	if seen[1].ErrorCount != 1 || seen[1].ContainerPath != "A" || !seen[1].ContainerError || !seen[1].Existing {
		t.Errorf("unexpected joined item: %+v", seen[1])
	}
	if seen[0].ErrorCount != 0 || seen[0].ContainerPath != "" {
		t.Errorf("unexpected unresolved item: %+v", seen[0])
	}
	if seen[0].Context.Level(domain.LevelGroup).Label != "A" {
		t.Errorf("context not round-tripped: %v", seen[0].Context)
	}

	stats, err := s.Items.Stats(ing.ID)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Items != 3 || stats.Bytes != 30 || stats.Resolved != 1 || stats.Existing != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	summary, err := s.Errors.Summary(ing.ID, 5)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if len(summary) != 1 || summary[0].Code != domain.ErrCodeDuplicateUID || summary[0].Count != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestUIDStore_Conflicts(t *testing.T) {
	s, ing := setupTestIngest(t)

	group := makeContainer(ing.ID, nil, domain.LevelGroup, "A")
	ses1 := makeContainer(ing.ID, group, domain.LevelSession, "ses1")
	ses2 := makeContainer(ing.ID, group, domain.LevelSession, "ses2")
	if err := s.Containers.InsertBatch([]*domain.Container{group, ses1, ses2}); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	var items []*domain.Item
	for i := 0; i < 3; i++ {
		items = append(items, &domain.Item{ID: uuid.NewString(), IngestID: ing.ID, Dir: "d", Type: domain.ItemTypeFile})
	}
	if err := s.Items.InsertBatch(items); err != nil {
		t.Fatalf("InsertBatch items failed: %v", err)
	}

	err := s.UIDs.InsertBatch([]*domain.UID{
		{IngestID: ing.ID, ItemID: items[0].ID, UID: "1.2.3", SessionContainerID: &ses1.ID},
		{IngestID: ing.ID, ItemID: items[1].ID, UID: "1.2.3", SessionContainerID: &ses2.ID},
		{IngestID: ing.ID, ItemID: items[2].ID, UID: "4.5.6", SessionContainerID: &ses1.ID},
	})
	if err != nil {
		t.Fatalf("InsertBatch uids failed: %v", err)
	}

	conflicts, err := s.UIDs.Conflicts(ing.ID)
	if err != nil {
		t.Fatalf("Conflicts failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].UID != "1.2.3" || len(conflicts[0].ItemIDs) != 2 {
		t.Errorf("unexpected conflicts: %+v", conflicts)
	}
}

func TestRecordStores_RepeatedWritesIgnored(t *testing.T) {
	s, ing := setupTestIngest(t)

	item := &domain.Item{ID: uuid.NewString(), IngestID: ing.ID, Dir: "d", Type: domain.ItemTypeFile}
	if err := s.Items.InsertBatch([]*domain.Item{item}); err != nil {
		t.Fatalf("InsertBatch items failed: %v", err)
	}

	taskID := "task-1"
	for pass := 0; pass < 2; pass++ {
		errs := []*domain.Error{
			{IngestID: ing.ID, TaskID: &taskID, ItemID: &item.ID, Code: domain.ErrCodeUnmatchedContext, Message: "d: unmatched"},
			{IngestID: ing.ID, TaskID: &taskID, Code: domain.ErrCodePermissionDenied, Message: "A/P1: denied"},
		}
		if err := s.Errors.InsertBatch(errs); err != nil {
			t.Fatalf("pass %d: InsertBatch errors failed: %v", pass, err)
		}
		if pass == 1 && (errs[0].ID != 0 || errs[1].ID != 0) {
			t.Errorf("repeated errors should not get ids: %d %d", errs[0].ID, errs[1].ID)
		}
		if err := s.UIDs.InsertBatch([]*domain.UID{{IngestID: ing.ID, ItemID: item.ID, UID: "1.2.3"}}); err != nil {
			t.Fatalf("pass %d: InsertBatch uids failed: %v", pass, err)
		}
	}

	list, err := s.Errors.List(ing.ID, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 errors, got %d", len(list))
	}

	// a different message is a different error
	if err := s.Errors.Add(&domain.Error{IngestID: ing.ID, TaskID: &taskID, Code: domain.ErrCodePermissionDenied, Message: "B/P1: denied"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	list, _ = s.Errors.List(ing.ID, domain.ErrCodePermissionDenied)
	if len(list) != 2 {
		t.Errorf("expected 2 permission errors, got %d", len(list))
	}

	var uids int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM uids WHERE ingest_id = ?`, ing.ID).Scan(&uids); err != nil {
		t.Fatalf("count uids: %v", err)
	}
	if uids != 1 {
		t.Errorf("expected 1 uid row, got %d", uids)
	}
}
