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

// Package pipelines fuses image features with prompt embeddings and drives
// the decoder with an incremental key/value cache.
package pipelines

import (
	"errors"
	"fmt"
)

var (
	// ErrPlaceholderCountMismatch is returned when the number of image
	// placeholder tokens differs from the number of feature rows.
	ErrPlaceholderCountMismatch = errors.New("placeholder count mismatch")

	// ErrDirectIDStrategy is returned for decoders that only accept token
	// ids and so cannot receive image features.
	ErrDirectIDStrategy = errors.New("decoder accepts input_ids only; image features cannot be injected")

	// ErrSessionState is returned when a DecodeSession is used out of order.
	ErrSessionState = errors.New("invalid decode session state")
)

// PlaceholderCountMismatchError reports both counts of a mismatch.
type PlaceholderCountMismatchError struct {
	Expected int // feature rows
	Actual   int // placeholder tokens in the prompt
}

func (e *PlaceholderCountMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %d image placeholders, found %d",
		ErrPlaceholderCountMismatch, e.Expected, e.Actual)
}

func (e *PlaceholderCountMismatchError) Is(target error) bool {
	return target == ErrPlaceholderCountMismatch
}
