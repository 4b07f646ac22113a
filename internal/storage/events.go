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

package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// appendEvent writes one JSON line to the event log in a single write call.
func appendEvent(path string, ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if len(line)+1 > maxEventBytes {
		return runerr.Validation("fields", fmt.Sprintf("event record exceeds %d bytes", maxEventBytes))
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// ReadEvents parses events.jsonl starting at offset. It returns the parsed
// events and the offset just past the last complete record. A partial
// trailing line (crash remnant or in-flight append) is left unconsumed so a
// later read picks it up once the terminating newline lands.
func ReadEvents(path string, offset int64) ([]Event, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, 0, err
		}
	}

	var events []Event
	consumed := offset
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// No terminating newline: incomplete trailing record.
			break
		}
		if err != nil {
			return events, consumed, err
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var ev Event
			if jsonErr := json.Unmarshal(trimmed, &ev); jsonErr != nil {
				// A torn record mid-file means the bytes after it are not
				// trustworthy either; stop at the last good offset.
				return events, consumed, nil
			}
			events = append(events, ev)
		}
		consumed += int64(len(line))
	}
	return events, consumed, nil
}

// EventsSize stats the event log and returns its current size.
func (s *Store) EventsSize(runID string) (int64, error) {
	info, err := os.Stat(s.layout.RunFile(runID, EventsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, runerr.NotFound("run", runID)
		}
		return 0, err
	}
	return info.Size(), nil
}

// ReadRunEvents reads the full event log of a run from the beginning.
func (s *Store) ReadRunEvents(runID string) ([]Event, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	events, _, err := ReadEvents(s.layout.RunFile(runID, EventsFile), 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, runerr.NotFound("run", runID)
		}
		return nil, err
	}
	return events, nil
}

// ReadLogRange returns bytes [from, to) of logs.txt. A zero to means EOF.
func (s *Store) ReadLogRange(runID string, from, to int64) ([]byte, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	f, err := os.Open(s.layout.RunFile(runID, LogsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, runerr.NotFound("run", runID)
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if from < 0 {
		from = 0
	}
	if to <= 0 || to > size {
		to = size
	}
	if from >= to {
		return nil, nil
	}
	buf := make([]byte, to-from)
	if _, err := f.ReadAt(buf, from); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// LogPath returns the path of the run's text log.
func (s *Store) LogPath(runID string) string {
	return s.layout.RunFile(runID, LogsFile)
}
