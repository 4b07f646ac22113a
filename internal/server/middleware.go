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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	runlog "github.com/runicorn/runicorn/internal/log"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// CorrelationIDHeader propagates request correlation between peers.
const CorrelationIDHeader = "X-Correlation-ID"

// correlationID returns the request's correlation id, if any.
func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// withCorrelation assigns every request a correlation id, honoring one sent
// by the client, and echoes it back in the response.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey, id)))
	})
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withObservability logs each completed request and feeds the Prometheus
// collectors. WebSocket upgrades bypass the status recorder because the
// hijacked connection owns the socket from then on.
func withObservability(logger *slog.Logger, metrics *serverMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		metrics.requestsTotal.WithLabelValues(r.Method, route, fmt.Sprint(rec.status)).Inc()
		metrics.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		runlog.WithCorrelationID(logger, correlationID(r.Context())).Info("request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64(runlog.DurationKey, elapsed.Milliseconds()),
		)
	})
}
