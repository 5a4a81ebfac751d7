package coordinator

import (
	"sync"
	"time"
)

// contractMutexPool hands out one mutex per contract address so that
// create/approve/reject/execute never interleave on the same record within
// this process. Two interleaved approvals would each read stale approval
// sets and publish conflicting overwrites.
type contractMutexPool struct {
	mu       sync.Mutex
	mutexes  map[string]*sync.Mutex
	lastUsed map[string]time.Time
}

func newContractMutexPool() *contractMutexPool {
	return &contractMutexPool{
		mutexes:  make(map[string]*sync.Mutex),
		lastUsed: make(map[string]time.Time),
	}
}

func (p *contractMutexPool) acquire(key string) {
	p.mu.Lock()
	mtx, ok := p.mutexes[key]
	if !ok {
		mtx = &sync.Mutex{}
		p.mutexes[key] = mtx
	}
	p.lastUsed[key] = time.Now()
	p.mu.Unlock()
	mtx.Lock()
}

func (p *contractMutexPool) release(key string) {
	p.mu.Lock()
	mtx, ok := p.mutexes[key]
	if ok {
		p.lastUsed[key] = time.Now()
	}
	p.mu.Unlock()
	if ok {
		mtx.Unlock()
	}
}

// prune drops mutexes idle longer than maxIdle. Safe to call from any
// goroutine; a held mutex is never in the idle set because acquire refreshes
// its timestamp.
func (p *contractMutexPool) prune(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	p.mu.Lock()
	for key, used := range p.lastUsed {
		if used.Before(cutoff) {
			if mtx := p.mutexes[key]; mtx != nil && mtx.TryLock() {
				mtx.Unlock()
				delete(p.mutexes, key)
				delete(p.lastUsed, key)
			}
		}
	}
	p.mu.Unlock()
}
