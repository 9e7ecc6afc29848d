// Package presence tracks which users are actively editing which
// report, and pushes editor lists out whenever that set changes.
package presence

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultStaleAfter is how long a session may sit without a
	// heartbeat before it is treated as abandoned.
	DefaultStaleAfter = 3 * time.Minute
	DefaultSweepEvery = 30 * time.Second
)

// EditSession is one user actively editing one report. Sessions are
// keyed per identity, not per connection: two tabs of the same user
// collapse into a single editor entry.
type EditSession struct {
	DocID        string    `json:"documentId"`
	UserID       uint64    `json:"userId"`
	Username     string    `json:"username"`
	StartTime    time.Time `json:"startTime"`
	LastActivity time.Time `json:"lastActivity"`
}

// Broadcaster receives the current editor list for a report after any
// change. The ws hub implements it; tests inject a recorder.
type Broadcaster interface {
	BroadcastPresence(docID string, editors []EditSession)
}

// Tracker owns all edit sessions behind one coarse mutex. Broadcasts
// are issued after the lock is released so the transport layer can
// hold its own locks without ordering against this one.
type Tracker struct {
	staleAfter  time.Duration
	broadcaster Broadcaster

	mu       sync.Mutex
	sessions map[string]map[uint64]*EditSession // docID -> userID

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

func NewTracker(b Broadcaster, staleAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Tracker{
		staleAfter:  staleAfter,
		broadcaster: b,
		sessions:    make(map[string]map[uint64]*EditSession),
		now:         time.Now,
		stop:        make(chan struct{}),
	}
}

// StartEditing upserts the session for (userID, docID). An existing
// session keeps its original StartTime and only refreshes
// LastActivity. Presence is re-broadcast unconditionally; peers
// converge even when nothing semantically changed.
func (t *Tracker) StartEditing(userID uint64, username, docID string) {
	now := t.now()

	t.mu.Lock()
	doc := t.sessions[docID]
	if doc == nil {
		doc = make(map[uint64]*EditSession)
		t.sessions[docID] = doc
	}
	if s, ok := doc[userID]; ok {
		s.Username = username
		s.LastActivity = now
	} else {
		doc[userID] = &EditSession{
			DocID:        docID,
			UserID:       userID,
			Username:     username,
			StartTime:    now,
			LastActivity: now,
		}
	}
	editors := t.aliveLocked(docID, now)
	t.mu.Unlock()

	t.broadcast(docID, editors)
}

// StopEditing removes the session for (userID, docID) if present and
// reports whether one was removed. Presence is re-broadcast only on
// actual removal.
func (t *Tracker) StopEditing(userID uint64, docID string) bool {
	now := t.now()

	t.mu.Lock()
	doc := t.sessions[docID]
	_, ok := doc[userID]
	if ok {
		delete(doc, userID)
		if len(doc) == 0 {
			delete(t.sessions, docID)
		}
	}
	var editors []EditSession
	if ok {
		editors = t.aliveLocked(docID, now)
	}
	t.mu.Unlock()

	if ok {
		t.broadcast(docID, editors)
	}
	return ok
}

// RecordActivity is the heartbeat: it refreshes LastActivity on a
// matching session without restarting the session clock. A heartbeat
// for a session that no longer exists is dropped; it must not
// resurrect a session after an explicit stop.
func (t *Tracker) RecordActivity(userID uint64, docID string) {
	now := t.now()

	t.mu.Lock()
	s, ok := t.sessions[docID][userID]
	if ok {
		s.LastActivity = now
	}
	var editors []EditSession
	if ok {
		editors = t.aliveLocked(docID, now)
	}
	t.mu.Unlock()

	if ok {
		t.broadcast(docID, editors)
	}
}

// ListActiveEditors returns the sessions for docID whose LastActivity
// is within the staleness threshold. Stale sessions found during the
// read are evicted on the spot and trigger a re-broadcast, so presence
// converges between sweep ticks too.
func (t *Tracker) ListActiveEditors(docID string) []EditSession {
	now := t.now()

	t.mu.Lock()
	evicted := t.evictStaleLocked(docID, now)
	editors := t.aliveLocked(docID, now)
	t.mu.Unlock()

	if evicted > 0 {
		t.broadcast(docID, editors)
	}
	return editors
}

// DropUser removes every session owned by userID. Called synchronously
// when the user's last connection closes, before the close completes;
// eviction is not deferred to the sweep. Presence is re-broadcast for
// each affected report.
func (t *Tracker) DropUser(userID uint64) {
	now := t.now()

	t.mu.Lock()
	affected := make(map[string][]EditSession)
	for docID, doc := range t.sessions {
		if _, ok := doc[userID]; !ok {
			continue
		}
		delete(doc, userID)
		if len(doc) == 0 {
			delete(t.sessions, docID)
		}
		affected[docID] = t.aliveLocked(docID, now)
	}
	t.mu.Unlock()

	for docID, editors := range affected {
		t.broadcast(docID, editors)
	}
}

// Start launches the periodic sweep. Each tick evicts stale sessions
// across all reports and re-broadcasts presence for every report where
// an eviction occurred, bounding staleness even when a client vanishes
// without a clean stop or close.
func (t *Tracker) Start(every time.Duration) {
	if every <= 0 {
		every = DefaultSweepEvery
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep()
			case <-t.stop:
				return
			}
		}
	}()
}

func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Sweep runs one eviction pass. Exposed so tests drive it directly.
func (t *Tracker) Sweep() {
	now := t.now()

	t.mu.Lock()
	affected := make(map[string][]EditSession)
	for docID := range t.sessions {
		if t.evictStaleLocked(docID, now) > 0 {
			affected[docID] = t.aliveLocked(docID, now)
		}
	}
	t.mu.Unlock()

	for docID, editors := range affected {
		t.broadcast(docID, editors)
	}
}

func (t *Tracker) evictStaleLocked(docID string, now time.Time) int {
	doc := t.sessions[docID]
	cutoff := now.Add(-t.staleAfter)
	evicted := 0
	for userID, s := range doc {
		if s.LastActivity.Before(cutoff) {
			delete(doc, userID)
			evicted++
		}
	}
	if len(doc) == 0 {
		delete(t.sessions, docID)
	}
	return evicted
}

// aliveLocked snapshots the non-stale sessions for docID, ordered by
// StartTime so broadcast payloads are stable.
func (t *Tracker) aliveLocked(docID string, now time.Time) []EditSession {
	doc := t.sessions[docID]
	cutoff := now.Add(-t.staleAfter)
	editors := make([]EditSession, 0, len(doc))
	for _, s := range doc {
		if !s.LastActivity.Before(cutoff) {
			editors = append(editors, *s)
		}
	}
	sort.Slice(editors, func(i, j int) bool {
		if !editors[i].StartTime.Equal(editors[j].StartTime) {
			return editors[i].StartTime.Before(editors[j].StartTime)
		}
		return editors[i].UserID < editors[j].UserID
	})
	return editors
}

func (t *Tracker) broadcast(docID string, editors []EditSession) {
	if t.broadcaster != nil {
		t.broadcaster.BroadcastPresence(docID, editors)
	}
}
