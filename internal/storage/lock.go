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
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is a cross-process advisory lock on a lock file.
// It serializes multi-step updates (status.json writes, assets GC) between
// writer processes; readers never take it.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock prepares a lock on the given path. The file is created lazily.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock acquires the lock exclusively, blocking until available.
func (l *FileLock) Lock() error {
	return l.acquire(unix.LOCK_EX)
}

// RLock acquires the lock in shared mode, blocking until available.
func (l *FileLock) RLock() error {
	return l.acquire(unix.LOCK_SH)
}

func (l *FileLock) acquire(how int) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return fmt.Errorf("locking %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// Unlock releases the lock. Safe to call when not held.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return closeErr
}
