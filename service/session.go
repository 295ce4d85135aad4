package service

import (
	"sync"
	"time"
)

// VotingSession gates ballot casting. A zero duration means the session
// stays open until End is called.
type VotingSession struct {
	startTime time.Time
	endTime   time.Time
	isActive  bool
	mu        sync.RWMutex
	now       func() time.Time
}

func NewVotingSession(duration time.Duration) *VotingSession {
	vs := &VotingSession{now: time.Now}
	vs.Open(duration)
	return vs
}

// Open starts a fresh session, replacing any previous one.
func (vs *VotingSession) Open(duration time.Duration) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	now := vs.now()
	vs.startTime = now
	vs.endTime = time.Time{}
	if duration > 0 {
		vs.endTime = now.Add(duration)
	}
	vs.isActive = true
}

func (vs *VotingSession) IsActive() bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.isActive && (vs.endTime.IsZero() || vs.now().Before(vs.endTime))
}

func (vs *VotingSession) End() {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.isActive = false
	if vs.endTime.IsZero() || vs.now().Before(vs.endTime) {
		vs.endTime = vs.now()
	}
}

// Window reports when the session started and when it ends or ended.
// The end is zero for an open-ended session.
func (vs *VotingSession) Window() (time.Time, time.Time) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.startTime, vs.endTime
}
