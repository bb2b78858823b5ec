package gateway

import (
	"hash/fnv"
	"sync"
)

// sessionLockStripes is the number of mutexes shared by all sessions.
const sessionLockStripes = 64

// sessionLocks serializes, per session, the registry change that decides
// which attempt is current with the status write that depends on it. A
// continuation holds its session's lock from the "am I still current"
// check through the store write and the resulting broadcast, and Connect
// holds it while admitting, so a superseded attempt can never write after
// its successor.
//
// Sessions share striped mutexes. Code holding one stripe must never
// acquire another.
type sessionLocks struct {
	stripes [sessionLockStripes]sync.Mutex
}

// lock acquires the lock of sessionID and returns its unlock function.
func (l *sessionLocks) lock(sessionID string) (unlock func()) {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	mu := &l.stripes[h.Sum32()%sessionLockStripes]
	mu.Lock()
	return mu.Unlock
}
