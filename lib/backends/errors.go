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
)

// ErrNativeEngine is returned when the underlying tensor engine fails during
// session creation or invocation.
var ErrNativeEngine = errors.New("native engine failure")

// EngineError wraps an engine failure with the operation that raised it.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is reports EngineError as an ErrNativeEngine.
func (e *EngineError) Is(target error) bool {
	return target == ErrNativeEngine
}

func engineError(op string, err error) error {
	return &EngineError{Op: op, Err: err}
}
