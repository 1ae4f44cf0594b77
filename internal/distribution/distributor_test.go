package distribution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"matrixpub/internal/model"
	"matrixpub/internal/storage"
	logx "matrixpub/pkg/logx"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 15, 0, time.UTC)

func newTestDistributor(t *testing.T) (*Distributor, *storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "dist.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	now := func() time.Time { return testNow }
	return New(st, DailySlots{Now: now, Location: time.UTC}, logx.Nop(), now), st
}

func TestPlanModes(t *testing.T) {
	files := []int64{10, 11, 12, 13, 14}
	accounts := []int64{1, 2}

	tests := []struct {
		name     string
		mode     model.DistributionMode
		files    []int64
		accounts []int64
		want     int
	}{
		{"replicate", model.ModeReplicate, files, accounts, 10},
		{"default is replicate", "", files, accounts, 10},
		{"round robin", model.ModeRoundRobin, files, accounts, 5},
		{"one to one", model.ModeOneToOne, files, accounts, 2},
		{"one to one more accounts", model.ModeOneToOne, []int64{10}, []int64{1, 2, 3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Plan(tt.mode, tt.files, tt.accounts, nil)
			if err != nil {
				t.Fatalf("Plan error: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
			for _, s := range got {
				if !s.ScheduledTime.IsZero() {
					t.Fatalf("scheduled time set without timer: %+v", s)
				}
			}
		})
	}

	rr, _ := Plan(model.ModeRoundRobin, files, accounts, nil)
	wantAcc := []int64{1, 2, 1, 2, 1}
	for i, s := range rr {
		if s.AccountID != wantAcc[i] || s.FileID != files[i] {
			t.Fatalf("round robin[%d] = %+v, want account %d file %d", i, s, wantAcc[i], files[i])
		}
	}

	if _, err := Plan("broadcast", files, accounts, nil); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("unknown mode error = %v", err)
	}
}

func TestDailySlots(t *testing.T) {
	g := DailySlots{Now: func() time.Time { return testNow }, Location: time.UTC}

	got, err := g.Generate(5, 2, []string{"08:00", "20:30", "23:00"}, 1)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	want := []time.Time{
		time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 16, 20, 30, 0, 0, time.UTC),
		time.Date(2026, 3, 17, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 17, 20, 30, 0, 0, time.UTC),
		time.Date(2026, 3, 18, 8, 0, 0, 0, time.UTC),
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("slot %d = %v, want %v", i, got[i], want[i])
		}
	}

	again, _ := g.Generate(5, 2, []string{"08:00", "20:30", "23:00"}, 1)
	for i := range got {
		if !again[i].Equal(got[i]) {
			t.Fatal("Generate is not deterministic")
		}
	}

	def, err := g.Generate(1, 1, nil, 0)
	if err != nil || !def[0].Equal(time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC)) {
		t.Fatalf("default slots = %v, %v", def, err)
	}

	bad := []struct {
		perDay int
		slots  []string
	}{
		{0, nil},
		{3, []string{"08:00", "09:00"}},
		{1, []string{"25:00"}},
		{1, []string{"8"}},
	}
	for _, b := range bad {
		if _, err := g.Generate(2, b.perDay, b.slots, 0); !errors.Is(err, model.ErrValidation) {
			t.Fatalf("Generate(perDay=%d, %v) error = %v, want ErrValidation", b.perDay, b.slots, err)
		}
	}
}

func TestCreateTaskReplicateWithTimer(t *testing.T) {
	d, _ := newTestDistributor(t)
	ctx := context.Background()
	cat := 7

	id, err := d.CreateTask(ctx, CreateRequest{
		Platform:   model.PlatformDouyin,
		FileIDs:    []int64{1, 2, 3, 4},
		AccountIDs: []int64{10, 20, 30},
		Title:      "spring",
		Tags:       "#a #b",
		Category:   &cat,
		Timing:     model.TimingPolicy{EnableTimer: true, VideosPerDay: 2, DailyTimes: []string{"09:00", "18:00"}},
	})
	if err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}

	task, err := d.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	if task.Status != model.TaskPending || task.Mode != model.ModeReplicate || task.Name != "batch-douyin-20260314093015" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Category == nil || *task.Category != 7 || len(task.FileIDs) != 4 || len(task.Timing.DailyTimes) != 2 {
		t.Fatalf("task fields not persisted: %+v", task)
	}

	subs, err := d.Subtasks(ctx, id)
	if err != nil {
		t.Fatalf("Subtasks error: %v", err)
	}
	if len(subs) != 12 {
		t.Fatalf("subtasks = %d, want 12", len(subs))
	}
	// Every account gets the full schedule: file index decides the time.
	byFile := map[int64]time.Time{}
	for _, s := range subs {
		if s.Status != model.SubtaskPending || s.ScheduledTime.IsZero() {
			t.Fatalf("unexpected subtask: %+v", s)
		}
		if prev, ok := byFile[s.FileID]; ok && !prev.Equal(s.ScheduledTime) {
			t.Fatalf("file %d scheduled at %v and %v", s.FileID, prev, s.ScheduledTime)
		}
		byFile[s.FileID] = s.ScheduledTime.UTC()
	}
	if !byFile[4].Equal(time.Date(2026, 3, 16, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("file 4 at %v", byFile[4])
	}

	stats, err := d.TaskStatistics(ctx, id)
	if err != nil || stats.Total != 12 || stats.Pending != 12 {
		t.Fatalf("TaskStatistics = %+v, %v", stats, err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	d, _ := newTestDistributor(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"no files", CreateRequest{Platform: model.PlatformDouyin, AccountIDs: []int64{1}}, model.ErrValidation},
		{"no accounts", CreateRequest{Platform: model.PlatformDouyin, FileIDs: []int64{1}}, model.ErrValidation},
		{"bad mode", CreateRequest{Platform: model.PlatformDouyin, FileIDs: []int64{1}, AccountIDs: []int64{1}, Mode: "x"}, model.ErrValidation},
		{"bad platform", CreateRequest{Platform: 99, FileIDs: []int64{1}, AccountIDs: []int64{1}}, model.ErrUnsupportedPlatform},
		{"bad timer", CreateRequest{Platform: model.PlatformDouyin, FileIDs: []int64{1}, AccountIDs: []int64{1},
			Timing: model.TimingPolicy{EnableTimer: true, VideosPerDay: 0}}, model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.CreateTask(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
	all, _ := d.ListTasks(ctx, nil)
	if len(all) != 0 {
		t.Fatalf("failed creates persisted %d tasks", len(all))
	}
}

func TestBatchDistribute(t *testing.T) {
	d, st := newTestDistributor(t)
	ctx := context.Background()

	if _, err := d.BatchDistribute(ctx, BatchRequest{Platform: model.PlatformKuaishou, FileIDs: []int64{1}}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("no accounts error = %v", err)
	}

	for _, a := range []model.Account{
		{Platform: model.PlatformKuaishou, Username: "a", Active: true},
		{Platform: model.PlatformKuaishou, Username: "b", Active: false},
		{Platform: model.PlatformKuaishou, Username: "c", Active: true},
		{Platform: model.PlatformDouyin, Username: "d", Active: true},
	} {
		if _, err := storage.InsertAccount(ctx, st.DB(), a, testNow); err != nil {
			t.Fatalf("InsertAccount error: %v", err)
		}
	}

	id, err := d.BatchDistribute(ctx, BatchRequest{Platform: model.PlatformKuaishou, FileIDs: []int64{1, 2}, Title: "t"})
	if err != nil {
		t.Fatalf("BatchDistribute error: %v", err)
	}
	task, _ := d.GetTask(ctx, id)
	if len(task.AccountIDs) != 2 || task.AccountIDs[0] != 1 || task.AccountIDs[1] != 3 {
		t.Fatalf("accounts = %v, want [1 3]", task.AccountIDs)
	}
	stats, _ := d.TaskStatistics(ctx, id)
	if stats.Total != 4 {
		t.Fatalf("subtasks = %d, want 4", stats.Total)
	}
}

func TestDeleteTaskIsAllOrNothing(t *testing.T) {
	d, st := newTestDistributor(t)
	ctx := context.Background()

	id, err := d.CreateTask(ctx, CreateRequest{Platform: model.PlatformChannels, FileIDs: []int64{1, 2}, AccountIDs: []int64{5}})
	if err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}

	if _, err := st.DB().ExecContext(ctx,
		`CREATE TRIGGER block_task_delete BEFORE DELETE ON tasks BEGIN SELECT RAISE(ABORT, 'injected'); END;`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	if err := d.DeleteTask(ctx, id); err == nil {
		t.Fatal("DeleteTask should fail while the trigger blocks it")
	}
	stats, _ := d.TaskStatistics(ctx, id)
	if stats.Total != 2 {
		t.Fatalf("partial delete: %d subtasks left, want 2", stats.Total)
	}

	if _, err := st.DB().ExecContext(ctx, `DROP TRIGGER block_task_delete`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if err := d.DeleteTask(ctx, id); err != nil {
		t.Fatalf("DeleteTask error: %v", err)
	}
	if _, err := d.GetTask(ctx, id); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("GetTask after delete = %v", err)
	}
	stats, _ = d.TaskStatistics(ctx, id)
	if stats.Total != 0 {
		t.Fatalf("subtasks left after delete: %d", stats.Total)
	}
	if err := d.DeleteTask(ctx, id); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second DeleteTask = %v, want ErrNotFound", err)
	}
}

func TestListTasksByStatus(t *testing.T) {
	d, st := newTestDistributor(t)
	ctx := context.Background()
	a, _ := d.CreateTask(ctx, CreateRequest{Name: "a", Platform: model.PlatformDouyin, FileIDs: []int64{1}, AccountIDs: []int64{1}})
	b, _ := d.CreateTask(ctx, CreateRequest{Name: "b", Platform: model.PlatformDouyin, FileIDs: []int64{1}, AccountIDs: []int64{1}})

	if _, err := storage.SetTaskStatus(ctx, st.DB(), b, model.TaskCompleted, testNow); err != nil {
		t.Fatalf("SetTaskStatus error: %v", err)
	}
	pending := model.TaskPending
	got, err := d.ListTasks(ctx, &pending)
	if err != nil || len(got) != 1 || got[0].ID != a {
		t.Fatalf("ListTasks(pending) = %+v, %v", got, err)
	}
	all, _ := d.ListTasks(ctx, nil)
	if len(all) != 2 || all[0].ID != b {
		t.Fatalf("ListTasks(nil) = %+v, want newest first", all)
	}
}

func TestCreateTaskNormalizesMode(t *testing.T) {
	d, _ := newTestDistributor(t)
	ctx := context.Background()

	id, err := d.CreateTask(ctx, CreateRequest{
		Platform:   model.PlatformKuaishou,
		FileIDs:    []int64{1, 2, 3},
		AccountIDs: []int64{10, 20},
		Mode:       " Round_Robin ",
	})
	if err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}
	task, err := d.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	if task.Mode != model.ModeRoundRobin {
		t.Fatalf("mode = %q, want %q", task.Mode, model.ModeRoundRobin)
	}
	subs, err := d.Subtasks(ctx, id)
	if err != nil || len(subs) != 3 {
		t.Fatalf("Subtasks = %d, %v", len(subs), err)
	}
}
