package executor

import (
	"errors"
	"fmt"
	"sync"
)

// ErrQueueFull is returned when a language is at its concurrency limit.
var ErrQueueFull = errors.New("execution queue full")

// Limiter caps concurrent executions per language.
type Limiter struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLimiter() *Limiter {
	return &Limiter{slots: make(map[string]chan struct{})}
}

func (l *Limiter) slot(language string, limit int) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[language]
	if !ok || cap(ch) != limit {
		ch = make(chan struct{}, limit)
		l.slots[language] = ch
	}
	return ch
}

// Acquire takes a slot without blocking. A limit of zero or less means
// unlimited. The returned release must be called exactly once.
func (l *Limiter) Acquire(language string, limit int) (func(), error) {
	if limit <= 0 {
		return func() {}, nil
	}
	ch := l.slot(language, limit)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	default:
		return nil, fmt.Errorf("%w for %s, max capacity: %d", ErrQueueFull, language, limit)
	}
}

// InFlight reports the number of running executions for language.
func (l *Limiter) InFlight(language string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.slots[language]; ok {
		return len(ch)
	}
	return 0
}
