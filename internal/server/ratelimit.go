// Copyright 2026 The Runicorn Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// Endpoint classes for rate limiting.
type limitClass string

const (
	classList   limitClass = "list"
	classWrite  limitClass = "write"
	classStream limitClass = "stream"
)

// Per-class defaults.
const (
	listQuotaPerMinute  = 60
	writeQuotaPerMinute = 20
	streamMaxConcurrent = 5
)

// rateLimiter enforces sliding-window quotas per (class, client address)
// plus a concurrency cap on streams. Each window carries its own lock so
// clients do not contend with each other.
type rateLimiter struct {
	window time.Duration

	mu      sync.Mutex
	windows map[string]*slidingWindow
	streams map[string]int

	now func() time.Time
}

type slidingWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		window:  time.Minute,
		windows: map[string]*slidingWindow{},
		streams: map[string]int{},
		now:     time.Now,
	}
}

func quotaFor(class limitClass) int {
	switch class {
	case classList:
		return listQuotaPerMinute
	case classWrite:
		return writeQuotaPerMinute
	default:
		return 0
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allow consumes one request from the client's window. The returned
// remaining count feeds the X-RateLimit-Remaining header.
func (l *rateLimiter) allow(class limitClass, addr string) (remaining int, err error) {
	quota := quotaFor(class)
	if quota <= 0 {
		return 0, nil
	}
	key := string(class) + "|" + addr

	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok {
		w = &slidingWindow{}
		l.windows[key] = w
	}
	l.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	live := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	w.stamps = live

	if len(w.stamps) >= quota {
		retry := l.window - now.Sub(w.stamps[0])
		return 0, &runerr.RateLimitError{Limit: quota, RetryAfter: retry}
	}
	w.stamps = append(w.stamps, now)
	return quota - len(w.stamps), nil
}

// acquireStream claims a concurrent-stream slot for the client. The caller
// must invoke the release func exactly once when the stream ends.
func (l *rateLimiter) acquireStream(addr string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.streams[addr] >= streamMaxConcurrent {
		return nil, &runerr.RateLimitError{Limit: streamMaxConcurrent, RetryAfter: time.Second}
	}
	l.streams[addr]++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.streams[addr] <= 1 {
				delete(l.streams, addr)
			} else {
				l.streams[addr]--
			}
		})
	}, nil
}

// limit wraps a handler with the sliding-window check for its class.
func (s *Server) limit(class limitClass, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remaining, err := s.limiter.allow(class, clientAddr(r))
		if err != nil {
			s.promMx.rateLimited.WithLabelValues(string(class)).Inc()
			WriteErr(w, err)
			return
		}
		if quota := quotaFor(class); quota > 0 {
			w.Header().Set("X-RateLimit-Limit", fmt.Sprint(quota))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprint(remaining))
		}
		next(w, r)
	}
}
