package schedule

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	st, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return st, path
}

func mustCreate(t *testing.T, st *Store, task Task) *Task {
	t.Helper()
	created, err := st.Create(task)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return created
}

func dailyTask() Task {
	return Task{
		Workflow: "tests",
		Repo:     "acme/webcore",
		Ref:      "refs/heads/main",
		Interval: IntervalDaily,
		Hour:     intPtr(10),
		Minute:   30,
		Enabled:  true,
	}
}

// TestStore_CreateAndGet verifies that a created task gets an ID and a
// creation time and can be read back.
func TestStore_CreateAndGet(t *testing.T) {
	st, path := newTestStore(t)

	created := mustCreate(t, st, dailyTask())
	if created.ID == "" {
		t.Error("Create() assigned no ID")
	}
	if created.CreatedAt.IsZero() {
		t.Error("Create() assigned no CreatedAt")
	}
	if !created.NextRunAt.IsZero() {
		t.Error("Create() set NextRunAt, want zero until first tick")
	}

	got, err := st.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Workflow != "tests" || got.Repo != "acme/webcore" {
		t.Errorf("Get() = %+v, want the created task", got)
	}
	if got.Hour == nil || *got.Hour != 10 {
		t.Errorf("Get().Hour = %v, want 10", got.Hour)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("state file not written: %v", err)
	}
}

// TestStore_Create_Invalid verifies that validation failures do not
// persist anything.
func TestStore_Create_Invalid(t *testing.T) {
	st, _ := newTestStore(t)

	bad := dailyTask()
	bad.Hour = nil
	if _, err := st.Create(bad); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("Create() error = %v, want ErrInvalidTask", err)
	}
	if len(st.List()) != 0 {
		t.Error("invalid task was stored")
	}
}

// TestStore_Reload verifies that a second store on the same path sees
// everything the first one wrote.
func TestStore_Reload(t *testing.T) {
	st, path := newTestStore(t)
	created := mustCreate(t, st, dailyTask())
	if err := st.SetSchedule(created.ID, time.Now(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SetSchedule() error = %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() reload error = %v", err)
	}
	got, err := reloaded.Get(created.ID)
	if err != nil {
		t.Fatalf("Get() after reload error = %v", err)
	}
	if got.Workflow != "tests" || !got.Enabled {
		t.Errorf("reloaded task = %+v, want original fields", got)
	}
	if got.Hour == nil || *got.Hour != 10 {
		t.Errorf("reloaded Hour = %v, want 10", got.Hour)
	}
	if got.LastRunAt.IsZero() || got.NextRunAt.IsZero() {
		t.Error("reloaded task lost its schedule timestamps")
	}
}

// TestStore_MissingFile verifies that a store starts empty when the
// state file does not exist yet.
func TestStore_MissingFile(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "nothing-here.yaml"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if len(st.List()) != 0 {
		t.Errorf("List() on fresh store = %d tasks, want 0", len(st.List()))
	}
}

// TestStore_CorruptFile verifies that unreadable state is an error, not
// silent data loss.
func TestStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	if err := os.WriteFile(path, []byte("tasks: [not: {valid"), 0o644); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}
	if _, err := NewStore(path); err == nil {
		t.Fatal("NewStore() on corrupt file error = nil, want error")
	}
}

// TestStore_Update_PatchFields verifies that nil patch fields keep
// their values and a successful patch zeroes NextRunAt.
func TestStore_Update_PatchFields(t *testing.T) {
	st, _ := newTestStore(t)
	created := mustCreate(t, st, dailyTask())
	if err := st.SetSchedule(created.ID, time.Time{}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SetSchedule() error = %v", err)
	}

	enabled := false
	updated, err := st.Update(created.ID, Patch{Minute: intPtr(45), Enabled: &enabled})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Minute != 45 {
		t.Errorf("Update().Minute = %d, want 45", updated.Minute)
	}
	if updated.Enabled {
		t.Error("Update().Enabled = true, want false")
	}
	if updated.Workflow != "tests" {
		t.Errorf("Update().Workflow = %q, want untouched", updated.Workflow)
	}
	if updated.Hour == nil || *updated.Hour != 10 {
		t.Errorf("Update().Hour = %v, want untouched 10", updated.Hour)
	}
	if !updated.NextRunAt.IsZero() {
		t.Error("Update() kept NextRunAt, want zeroed for recompute")
	}
}

// TestStore_Update_HourlyRejectsHour verifies that a task staying
// hourly cannot take an hour.
func TestStore_Update_HourlyRejectsHour(t *testing.T) {
	st, _ := newTestStore(t)
	hourly := dailyTask()
	hourly.Interval = IntervalHourly
	hourly.Hour = nil
	created := mustCreate(t, st, hourly)

	if _, err := st.Update(created.ID, Patch{Hour: intPtr(5)}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("Update() error = %v, want ErrInvalidTask", err)
	}
}

// TestStore_Update_HourlyToDaily verifies the interval switch rules:
// the patch must carry an hour, and with one the switch succeeds.
func TestStore_Update_HourlyToDaily(t *testing.T) {
	st, _ := newTestStore(t)
	hourly := dailyTask()
	hourly.Interval = IntervalHourly
	hourly.Hour = nil
	created := mustCreate(t, st, hourly)

	daily := IntervalDaily
	if _, err := st.Update(created.ID, Patch{Interval: &daily}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("Update() without hour error = %v, want ErrInvalidTask", err)
	}

	updated, err := st.Update(created.ID, Patch{Interval: &daily, Hour: intPtr(6)})
	if err != nil {
		t.Fatalf("Update() with hour error = %v", err)
	}
	if updated.Interval != IntervalDaily {
		t.Errorf("Update().Interval = %q, want daily", updated.Interval)
	}
	if updated.Hour == nil || *updated.Hour != 6 {
		t.Errorf("Update().Hour = %v, want 6", updated.Hour)
	}
}

// TestStore_Update_DailyToHourlyDropsHour verifies that switching to
// hourly clears the now-meaningless hour.
func TestStore_Update_DailyToHourlyDropsHour(t *testing.T) {
	st, _ := newTestStore(t)
	created := mustCreate(t, st, dailyTask())

	hourly := IntervalHourly
	updated, err := st.Update(created.ID, Patch{Interval: &hourly})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Hour != nil {
		t.Errorf("Update().Hour = %v, want nil after switch to hourly", *updated.Hour)
	}
}

// TestStore_Update_NotFound verifies the sentinel for unknown IDs.
func TestStore_Update_NotFound(t *testing.T) {
	st, _ := newTestStore(t)
	if _, err := st.Update("nope", Patch{Minute: intPtr(5)}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Update() error = %v, want ErrTaskNotFound", err)
	}
}

// TestStore_Delete verifies removal and the not-found sentinel on a
// second delete.
func TestStore_Delete(t *testing.T) {
	st, _ := newTestStore(t)
	created := mustCreate(t, st, dailyTask())

	if err := st.Delete(created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := st.Get(created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrTaskNotFound", err)
	}
	if err := st.Delete(created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("second Delete() error = %v, want ErrTaskNotFound", err)
	}
}

// TestStore_SetSchedule verifies the clock fields advance and a zero
// lastRunAt keeps the previous value.
func TestStore_SetSchedule(t *testing.T) {
	st, _ := newTestStore(t)
	created := mustCreate(t, st, dailyTask())

	fired := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	next := fired.AddDate(0, 0, 1)
	if err := st.SetSchedule(created.ID, fired, next); err != nil {
		t.Fatalf("SetSchedule() error = %v", err)
	}
	got, _ := st.Get(created.ID)
	if !got.LastRunAt.Equal(fired) || !got.NextRunAt.Equal(next) {
		t.Errorf("after SetSchedule: last=%v next=%v, want %v / %v", got.LastRunAt, got.NextRunAt, fired, next)
	}

	later := next.AddDate(0, 0, 1)
	if err := st.SetSchedule(created.ID, time.Time{}, later); err != nil {
		t.Fatalf("SetSchedule() error = %v", err)
	}
	got, _ = st.Get(created.ID)
	if !got.LastRunAt.Equal(fired) {
		t.Errorf("zero lastRunAt overwrote LastRunAt: %v, want %v", got.LastRunAt, fired)
	}
	if !got.NextRunAt.Equal(later) {
		t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, later)
	}
}

// TestStore_List_Sorted verifies stable oldest-first ordering.
func TestStore_List_Sorted(t *testing.T) {
	st, _ := newTestStore(t)
	first := mustCreate(t, st, dailyTask())
	second := mustCreate(t, st, dailyTask())

	list := st.List()
	if len(list) != 2 {
		t.Fatalf("List() = %d tasks, want 2", len(list))
	}
	// Creation times may collide within the same clock tick; the tie
	// breaks on ID, so just verify both are present exactly once.
	seen := map[string]bool{list[0].ID: true, list[1].ID: true}
	if !seen[first.ID] || !seen[second.ID] {
		t.Errorf("List() = %v, want both created tasks", []string{list[0].ID, list[1].ID})
	}
}
