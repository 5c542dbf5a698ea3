// Package date caches the value of the HTTP Date response header.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

var current atomic.Pointer[[]byte]

// Start refreshes the cached value every interval until stop is called.
func Start(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	refresh(time.Now())

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				refresh(now)
			case <-done:
				return
			}
		}
	}()

	var stopped atomic.Bool
	return func() {
		if stopped.CompareAndSwap(false, true) {
			close(done)
		}
	}
}

func refresh(now time.Time) {
	b := []byte(now.UTC().Format(http.TimeFormat))
	current.Store(&b)
}

// Current returns the cached header value. Callers must not modify it.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return []byte(time.Now().UTC().Format(http.TimeFormat))
}
