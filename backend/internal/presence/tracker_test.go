package presence

import (
	"sync"
	"testing"
	"time"
)

type recordedBroadcast struct {
	docID   string
	editors []EditSession
}

type recorder struct {
	mu    sync.Mutex
	calls []recordedBroadcast
}

func (r *recorder) BroadcastPresence(docID string, editors []EditSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedBroadcast{docID: docID, editors: editors})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) last() recordedBroadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func newTestTracker() (*Tracker, *recorder, *time.Time) {
	rec := &recorder{}
	tr := NewTracker(rec, 3*time.Minute)
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, rec, &now
}

func TestStartEditingUpsert(t *testing.T) {
	tr, rec, now := newTestTracker()

	tr.StartEditing(1, "alice", "doc-1")
	start := *now

	*now = now.Add(time.Minute)
	tr.StartEditing(1, "alice", "doc-1")

	editors := tr.ListActiveEditors("doc-1")
	if len(editors) != 1 {
		t.Fatalf("editors = %d, want 1", len(editors))
	}
	if !editors[0].StartTime.Equal(start) {
		t.Fatalf("StartTime = %v, replay must keep the original %v", editors[0].StartTime, start)
	}
	if !editors[0].LastActivity.Equal(*now) {
		t.Fatalf("LastActivity = %v, replay must refresh to %v", editors[0].LastActivity, *now)
	}
	// Both starts broadcast, even the semantically empty replay.
	if rec.count() != 2 {
		t.Fatalf("broadcasts = %d, want 2", rec.count())
	}
}

func TestStopEditingBroadcastsOnlyOnRemoval(t *testing.T) {
	tr, rec, _ := newTestTracker()

	tr.StartEditing(1, "alice", "doc-1")
	before := rec.count()

	if !tr.StopEditing(1, "doc-1") {
		t.Fatal("StopEditing should report removal")
	}
	if rec.count() != before+1 {
		t.Fatalf("broadcasts = %d, want %d", rec.count(), before+1)
	}
	if got := rec.last(); got.docID != "doc-1" || len(got.editors) != 0 {
		t.Fatalf("last broadcast = %+v, want empty editor list for doc-1", got)
	}

	if tr.StopEditing(1, "doc-1") {
		t.Fatal("second StopEditing should find nothing")
	}
	if rec.count() != before+1 {
		t.Fatal("no-op stop must not broadcast")
	}
}

func TestHeartbeatDoesNotResurrect(t *testing.T) {
	tr, rec, _ := newTestTracker()

	tr.StartEditing(1, "alice", "doc-1")
	tr.StopEditing(1, "doc-1")
	before := rec.count()

	// A heartbeat racing past an explicit stop must be dropped.
	tr.RecordActivity(1, "doc-1")
	if len(tr.ListActiveEditors("doc-1")) != 0 {
		t.Fatal("heartbeat after stop resurrected the session")
	}
	if rec.count() != before {
		t.Fatal("dropped heartbeat must not broadcast")
	}
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	tr, _, now := newTestTracker()

	tr.StartEditing(1, "alice", "doc-1")
	start := *now

	// Heartbeat every 2 minutes, well past the 3-minute threshold in
	// total, with the session staying alive throughout.
	for i := 0; i < 4; i++ {
		*now = now.Add(2 * time.Minute)
		tr.RecordActivity(1, "doc-1")
	}

	editors := tr.ListActiveEditors("doc-1")
	if len(editors) != 1 {
		t.Fatalf("editors = %d, want 1", len(editors))
	}
	if !editors[0].StartTime.Equal(start) {
		t.Fatal("heartbeats must not restart the session clock")
	}
}

func TestListActiveEditorsEvictsStale(t *testing.T) {
	tr, rec, now := newTestTracker()

	tr.StartEditing(1, "alice", "doc-1")
	*now = now.Add(2 * time.Minute)
	tr.StartEditing(2, "bob", "doc-1")
	before := rec.count()

	// alice is now 4 minutes idle, bob 2.
	*now = now.Add(2 * time.Minute)
	editors := tr.ListActiveEditors("doc-1")
	if len(editors) != 1 || editors[0].UserID != 2 {
		t.Fatalf("editors = %+v, want only bob", editors)
	}
	if rec.count() != before+1 {
		t.Fatal("lazy eviction should trigger a re-broadcast")
	}

	// No further evictions, no further broadcasts.
	tr.ListActiveEditors("doc-1")
	if rec.count() != before+1 {
		t.Fatal("read without eviction must not broadcast")
	}
}

func TestSweepEvictsAcrossDocuments(t *testing.T) {
	tr, rec, now := newTestTracker()

	tr.StartEditing(1, "alice", "doc-1")
	tr.StartEditing(2, "bob", "doc-2")
	*now = now.Add(2 * time.Minute)
	tr.StartEditing(3, "carol", "doc-2")
	before := rec.count()

	*now = now.Add(2 * time.Minute)
	tr.Sweep()

	// doc-1 lost alice, doc-2 lost bob: one broadcast each.
	if rec.count() != before+2 {
		t.Fatalf("broadcasts = %d, want %d", rec.count(), before+2)
	}
	if len(tr.ListActiveEditors("doc-1")) != 0 {
		t.Fatal("doc-1 should be empty after sweep")
	}
	editors := tr.ListActiveEditors("doc-2")
	if len(editors) != 1 || editors[0].UserID != 3 {
		t.Fatalf("doc-2 editors = %+v, want only carol", editors)
	}

	// A clean sweep with nothing stale stays silent.
	count := rec.count()
	tr.Sweep()
	if rec.count() != count {
		t.Fatal("sweep without evictions must not broadcast")
	}
}

func TestDropUserCascades(t *testing.T) {
	tr, rec, _ := newTestTracker()

	tr.StartEditing(1, "alice", "doc-1")
	tr.StartEditing(1, "alice", "doc-2")
	tr.StartEditing(2, "bob", "doc-2")
	before := rec.count()

	tr.DropUser(1)

	if rec.count() != before+2 {
		t.Fatalf("broadcasts = %d, want one per affected doc", rec.count()-before)
	}
	if len(tr.ListActiveEditors("doc-1")) != 0 {
		t.Fatal("doc-1 should be empty")
	}
	editors := tr.ListActiveEditors("doc-2")
	if len(editors) != 1 || editors[0].UserID != 2 {
		t.Fatalf("doc-2 editors = %+v, want only bob", editors)
	}
}

func TestEditorOrderingStable(t *testing.T) {
	tr, _, now := newTestTracker()

	tr.StartEditing(2, "bob", "doc-1")
	*now = now.Add(time.Second)
	tr.StartEditing(1, "alice", "doc-1")

	editors := tr.ListActiveEditors("doc-1")
	if len(editors) != 2 || editors[0].UserID != 2 || editors[1].UserID != 1 {
		t.Fatalf("editors = %+v, want bob before alice by start time", editors)
	}
}

func TestConcurrentLifecycle(t *testing.T) {
	tr, _, _ := newTestTracker()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(userID uint64) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tr.StartEditing(userID, "user", "doc-1")
				tr.RecordActivity(userID, "doc-1")
				tr.ListActiveEditors("doc-1")
				tr.StopEditing(userID, "doc-1")
			}
		}(uint64(i + 1))
	}
	wg.Wait()

	if n := len(tr.ListActiveEditors("doc-1")); n != 0 {
		t.Fatalf("editors = %d, want 0 after every user stopped", n)
	}
}
