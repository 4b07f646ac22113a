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
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"

	runlog "github.com/runicorn/runicorn/internal/log"
)

const (
	// wsPingInterval keeps intermediaries from reaping idle sockets.
	wsPingInterval = 15 * time.Second

	wsWriteTimeout = 10 * time.Second

	// subscriberQueueCap bounds per-subscriber buffered frames; the oldest
	// frame is dropped on overflow.
	subscriberQueueCap = 64

	// maxConsecutiveDrops closes a subscriber that never catches up.
	maxConsecutiveDrops = 128

	// tailPollInterval drives the fallback poll when fsnotify is
	// unavailable, and the run-finalization check always.
	tailPollInterval = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The server binds to loopback; cross-origin browser pages on the same
	// machine are legitimate clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// tailRegistry holds one broadcaster per actively tailed run.
type tailRegistry struct {
	srv *Server

	mu    sync.Mutex
	tails map[string]*broadcaster
}

func newTailRegistry(s *Server) *tailRegistry {
	return &tailRegistry{srv: s, tails: map[string]*broadcaster{}}
}

// subscribe attaches a new client to the run's broadcaster, starting one if
// needed. The subscriber immediately receives the existing log bytes.
func (tr *tailRegistry) subscribe(runID string) (*subscriber, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	b, ok := tr.tails[runID]
	if !ok {
		var err error
		b, err = newBroadcaster(tr, runID)
		if err != nil {
			return nil, err
		}
		tr.tails[runID] = b
		go b.run()
	}
	return b.addSubscriber()
}

func (tr *tailRegistry) remove(runID string) {
	tr.mu.Lock()
	delete(tr.tails, runID)
	tr.mu.Unlock()
}

func (tr *tailRegistry) closeAll() {
	tr.mu.Lock()
	tails := make([]*broadcaster, 0, len(tr.tails))
	for _, b := range tr.tails {
		tails = append(tails, b)
	}
	tr.tails = map[string]*broadcaster{}
	tr.mu.Unlock()

	for _, b := range tails {
		b.stop()
	}
}

// broadcaster reads a run's log file once and fans frames out to every
// subscriber. It follows growth via fsnotify, with a poll fallback.
type broadcaster struct {
	registry *tailRegistry
	runID    string
	path     string
	logger   *slog.Logger

	mu     sync.Mutex
	subs   map[*subscriber]bool
	offset int64
	done   chan struct{}
	once   sync.Once
}

func newBroadcaster(tr *tailRegistry, runID string) (*broadcaster, error) {
	if _, err := tr.srv.store.GetRun(runID); err != nil {
		return nil, err
	}
	return &broadcaster{
		registry: tr,
		runID:    runID,
		path:     tr.srv.store.LogPath(runID),
		logger:   runlog.WithRun(tr.srv.logger, runID),
		subs:     map[*subscriber]bool{},
		done:     make(chan struct{}),
	}, nil
}

func (b *broadcaster) addSubscriber() (*subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Replay everything written so far as the first frame, under the lock
	// so no broadcast can slip between snapshot and registration.
	existing, err := os.ReadFile(b.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	sub := &subscriber{
		broadcaster: b,
		queue:       make(chan []byte, subscriberQueueCap),
		closed:      make(chan struct{}),
	}
	if len(existing) > int(b.offset) {
		b.offset = int64(len(existing))
	}
	if len(existing) > 0 {
		sub.queue <- existing
	}
	b.subs[sub] = true
	b.registry.srv.promMx.wsConnections.Inc()
	return sub, nil
}

func (b *broadcaster) removeSubscriber(sub *subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	empty := len(b.subs) == 0
	b.mu.Unlock()

	b.registry.srv.promMx.wsConnections.Dec()
	if empty {
		b.registry.remove(b.runID)
		b.stop()
	}
}

func (b *broadcaster) stop() {
	b.once.Do(func() { close(b.done) })
}

// run is the broadcaster's read loop: wake on file events or the poll tick,
// push new bytes, and end the tail once the run reaches a terminal status
// with nothing left to read.
func (b *broadcaster) run() {
	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(b.path); err == nil {
			events = make(chan fsnotify.Event, 16)
			go func() {
				for ev := range watcher.Events {
					select {
					case events <- ev:
					default:
					}
				}
			}()
		}
		defer watcher.Close()
	} else {
		b.logger.Warn("fsnotify unavailable, polling only", slog.Any("error", err))
	}

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			b.closeSubscribers(websocket.CloseGoingAway, "server shutting down")
			return
		case <-events:
			b.readMore()
		case <-ticker.C:
			b.readMore()
			if b.runFinished() {
				b.readMore()
				b.closeSubscribers(websocket.CloseNormalClosure, "run finished")
				return
			}
		}
	}
}

func (b *broadcaster) runFinished() bool {
	run, err := b.registry.srv.store.GetRun(b.runID)
	if err != nil {
		return true
	}
	return run.Status.Status.Terminal()
}

func (b *broadcaster) readMore() {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(b.path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= b.offset {
		return
	}
	buf := make([]byte, info.Size()-b.offset)
	n, err := f.ReadAt(buf, b.offset)
	if n == 0 && err != nil {
		return
	}
	buf = buf[:n]
	b.offset += int64(n)

	for sub := range b.subs {
		sub.push(buf)
	}
}

func (b *broadcaster) closeSubscribers(code int, reason string) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.requestClose(code, reason)
	}
}

// subscriber is one WebSocket client of a broadcaster.
type subscriber struct {
	broadcaster *broadcaster
	queue       chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	closeCode int
	closeText string

	drops int
}

// push enqueues a frame, dropping the oldest on overflow. A consumer that
// stays behind for maxConsecutiveDrops frames is cut off with 1011.
func (s *subscriber) push(frame []byte) {
	select {
	case s.queue <- frame:
		s.drops = 0
		return
	default:
	}

	// Full: drop the oldest frame to make room.
	select {
	case <-s.queue:
	default:
	}
	s.broadcaster.registry.srv.promMx.wsDroppedFrames.Inc()
	s.drops++
	if s.drops >= maxConsecutiveDrops {
		s.requestClose(websocket.CloseInternalServerErr, "client cannot keep up")
		return
	}
	select {
	case s.queue <- frame:
	default:
	}
}

func (s *subscriber) requestClose(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeText = reason
		close(s.closed)
	})
}

// serve owns the socket: write pump with pings plus a reader that only
// watches for client disconnect.
func (s *subscriber) serve(conn *websocket.Conn) {
	defer func() {
		s.broadcaster.removeSubscriber(s)
		conn.Close()
	}()

	// Reader: discard client frames, unblock on disconnect.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readerDone:
			return

		case <-s.closed:
			deadline := time.Now().Add(wsWriteTimeout)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(s.closeCode, s.closeText), deadline)
			return

		case frame := <-s.queue:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// handleLogTail upgrades the connection and streams the run's log.
func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	release, err := s.limiter.acquireStream(clientAddr(r))
	if err != nil {
		s.promMx.rateLimited.WithLabelValues(string(classStream)).Inc()
		WriteErr(w, err)
		return
	}

	sub, err := s.tailers.subscribe(id)
	if err != nil {
		release()
		WriteErr(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.broadcaster.removeSubscriber(sub)
		release()
		return
	}

	go func() {
		defer release()
		sub.serve(conn)
	}()
}
