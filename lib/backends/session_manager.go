// Copyright 2025 Antfly, Inc.
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

package backends

import (
	"errors"
	"fmt"
	"sync"
)

// SessionManager creates sessions from a factory and owns them until Close.
// It lets a loader build several sessions concurrently and tear them all
// down on the first failure.
//
// Usage:
//
//	manager := backends.NewSessionManager(factory, backends.WithSessionThreads(4))
//	defer manager.Close()
//
//	encoder, err := manager.CreateSession(encoderPath)
type SessionManager struct {
	factory  SessionFactory
	opts     []SessionOption
	sessions []Session
	mu       sync.Mutex
	closed   bool
}

// NewSessionManager creates a session manager over the given factory.
func NewSessionManager(factory SessionFactory, opts ...SessionOption) *SessionManager {
	return &SessionManager{
		factory: factory,
		opts:    opts,
	}
}

// Factory returns the underlying session factory.
func (sm *SessionManager) Factory() SessionFactory {
	return sm.factory
}

// CreateSession creates and tracks a session for the given model file.
// Safe for concurrent use.
func (sm *SessionManager) CreateSession(modelPath string) (Session, error) {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil, fmt.Errorf("session manager is closed")
	}
	sm.mu.Unlock()

	session, err := sm.factory.CreateSession(modelPath, sm.opts...)
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		// Closed while the session was being created.
		_ = session.Close()
		return nil, fmt.Errorf("session manager is closed")
	}
	sm.sessions = append(sm.sessions, session)
	return session, nil
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Close closes every tracked session. It is idempotent.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil
	}
	sm.closed = true

	var errs []error
	for _, s := range sm.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	sm.sessions = nil
	return errors.Join(errs...)
}
