package osfuncs

import "sync"

type mutexLock struct {
	mu sync.Mutex
}

func (l *mutexLock) Lock()   { l.mu.Lock() }
func (l *mutexLock) Unlock() { l.mu.Unlock() }
