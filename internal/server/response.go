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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// errorBody is the wire form of every error response.
type errorBody struct {
	Detail  string         `json:"detail"`
	Code    string         `json:"error,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes the error envelope with the given status and detail.
func WriteError(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, errorBody{Detail: detail})
}

// WriteErr maps a typed error to its HTTP status and envelope.
func WriteErr(w http.ResponseWriter, err error) {
	switch {
	case runerr.IsValidation(err):
		WriteJSON(w, http.StatusBadRequest, errorBody{Detail: err.Error(), Code: "validation"})

	case runerr.IsPathEscape(err):
		WriteJSON(w, http.StatusForbidden, errorBody{Detail: err.Error(), Code: "path_escape"})

	case runerr.IsNotFound(err):
		WriteJSON(w, http.StatusNotFound, errorBody{Detail: err.Error(), Code: "not_found"})

	default:
		if hk, ok := runerr.AsHostKey(err); ok {
			WriteJSON(w, http.StatusConflict, errorBody{
				Detail:  hk.Error(),
				Code:    "host_key_confirmation_required",
				Context: map[string]any{"problem": hk.Problem},
			})
			return
		}
		if rl, ok := runerr.AsRateLimit(err); ok {
			w.Header().Set("Retry-After", fmt.Sprint(int(rl.RetryAfter.Seconds())+1))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprint(rl.Limit))
			w.Header().Set("X-RateLimit-Remaining", "0")
			WriteJSON(w, http.StatusTooManyRequests, errorBody{Detail: rl.Error(), Code: "rate_limited"})
			return
		}
		if re, ok := runerr.AsRemote(err); ok {
			ctx := map[string]any{"code": re.Code}
			if re.Host != "" {
				ctx["host"] = re.Host
			}
			if re.Stderr != "" {
				ctx["stderr"] = re.Stderr
			}
			if len(re.Suggestions) > 0 {
				ctx["suggestions"] = re.Suggestions
			}
			status := http.StatusBadGateway
			if re.Code == runerr.RemoteEnvironmentNotFound {
				status = http.StatusNotFound
			}
			WriteJSON(w, status, errorBody{Detail: re.Message, Code: string(re.Code), Context: ctx})
			return
		}
		slog.Error("internal error", slog.Any("error", err))
		WriteJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal server error", Code: "internal"})
	}
}
