// tracker.go: in-memory map of open GPS test sessions.
package ingest

import "sync"

// sessionKey identifies an open test session by its owning bus and label.
type sessionKey struct {
	busID uint
	label string
}

// SessionTracker tracks which GPS test session is currently open for each
// (bus, label) pair. State is process-local and lost on restart; the summary
// handler's lookback query covers that case. The mutex matters only when a
// host runs more than one dispatch loop, but it is cheap enough to always
// hold.
type SessionTracker struct {
	mu   sync.Mutex
	open map[sessionKey]uint
}

// NewSessionTracker creates an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		open: make(map[sessionKey]uint),
	}
}

// Open returns the tracked open session id for (bus, label), if any.
func (t *SessionTracker) Open(busID uint, label string) (testID uint, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	testID, ok = t.open[sessionKey{busID, label}]
	return testID, ok
}

// Remember records a newly created session as the open one for (bus, label).
func (t *SessionTracker) Remember(busID uint, label string, testID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[sessionKey{busID, label}] = testID
}

// Forget removes the tracked open session for (bus, label), so the next
// sample opens a fresh one. Forgetting an untracked pair is a no-op.
func (t *SessionTracker) Forget(busID uint, label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.open, sessionKey{busID, label})
}
