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

// Package backendstest provides in-memory sessions for testing code that
// drives sub-models through backends.Session.
package backendstest

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ch2ohchohch2oh66/TestWings-sub000/lib/backends"
)

// MockSession is a backends.Session whose outputs come from RunFunc.
type MockSession struct {
	Inputs  []backends.TensorInfo
	Outputs []backends.TensorInfo
	RunFunc func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error)

	mu     sync.Mutex
	calls  [][]backends.NamedTensor
	closed bool
}

var _ backends.Session = (*MockSession)(nil)

func (m *MockSession) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("session is closed")
	}
	m.calls = append(m.calls, inputs)
	m.mu.Unlock()

	if m.RunFunc == nil {
		return nil, errors.New("mock session has no RunFunc")
	}
	return m.RunFunc(inputs)
}

func (m *MockSession) InputInfo() []backends.TensorInfo  { return m.Inputs }
func (m *MockSession) OutputInfo() []backends.TensorInfo { return m.Outputs }

func (m *MockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls returns the inputs of every Run call so far.
func (m *MockSession) Calls() [][]backends.NamedTensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]backends.NamedTensor(nil), m.calls...)
}

// Closed reports whether Close was called.
func (m *MockSession) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Input returns the named input of call i, failing loudly in tests that
// index past the recorded calls.
func (m *MockSession) Input(i int, name string) backends.NamedTensor {
	calls := m.Calls()
	if i >= len(calls) {
		panic(fmt.Sprintf("mock session: call %d not recorded (%d calls)", i, len(calls)))
	}
	t, _ := backends.FindTensor(calls[i], name)
	return t
}

// MockFactory serves MockSessions keyed by model file base name.
type MockFactory struct {
	Sessions   map[string]*MockSession
	ZeroLength bool

	// Errors makes CreateSession fail for the given base names.
	Errors map[string]error
}

var (
	_ backends.SessionFactory = (*MockFactory)(nil)
	_ backends.Capabilities   = (*MockFactory)(nil)
)

func (f *MockFactory) CreateSession(modelPath string, _ ...backends.SessionOption) (backends.Session, error) {
	name := filepath.Base(modelPath)
	if err := f.Errors[name]; err != nil {
		return nil, err
	}
	s, ok := f.Sessions[name]
	if !ok {
		return nil, fmt.Errorf("no mock session for %s", name)
	}
	return s, nil
}

func (f *MockFactory) Backend() backends.BackendType { return backends.BackendONNX }

func (f *MockFactory) ZeroLengthDims() bool { return f.ZeroLength }
