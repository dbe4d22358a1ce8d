package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is reported to a sender whose event was not admitted.
var ErrRateLimited = errors.New("rate limit exceeded")

// Bucket names an independently limited kind of action.
type Bucket string

const (
	BucketMessage Bucket = "message"
	BucketJoin    Bucket = "join"
	BucketTyping  Bucket = "typing"
)

// Rule bounds a bucket to Limit actions per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules are the per-user limits the gateway applies.
func DefaultRules() map[Bucket]Rule {
	return map[Bucket]Rule{
		BucketMessage: {Limit: 10, Window: time.Second},
		BucketJoin:    {Limit: 5, Window: time.Second},
		BucketTyping:  {Limit: 5, Window: time.Second},
	}
}

// window tracks one identity in one bucket
type window struct {
	count   int
	resetAt time.Time
}

// Limiter is an in-process fixed window limiter keyed by identity and bucket.
// It is best effort: each server instance counts on its own.
type Limiter struct {
	rules   map[Bucket]Rule
	mu      sync.Mutex
	windows map[string]map[Bucket]*window
	now     func() time.Time
}

func New(rules map[Bucket]Rule) *Limiter {
	return &Limiter{
		rules:   rules,
		windows: make(map[string]map[Bucket]*window),
		now:     time.Now,
	}
}

// Admit reports whether identity may perform one more action in bucket.
// Buckets without a rule are always admitted.
func (l *Limiter) Admit(identity string, bucket Bucket) bool {
	rule, ok := l.rules[bucket]
	if !ok {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	buckets, ok := l.windows[identity]
	if !ok {
		buckets = make(map[Bucket]*window)
		l.windows[identity] = buckets
	}

	w, ok := buckets[bucket]
	if !ok || now.After(w.resetAt) {
		buckets[bucket] = &window{count: 1, resetAt: now.Add(rule.Window)}
		return true
	}

	if w.count < rule.Limit {
		w.count++
		return true
	}
	return false
}

// Release forgets every window of identity. Called when its last connection closes.
func (l *Limiter) Release(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, identity)
}

// Len returns the number of identities currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
