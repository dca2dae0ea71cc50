// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"errors"
	"fmt"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrInvalidIdentifier = errors.New("rate limit key is empty")
	// ErrInvalidLimit reports a non-positive ceiling or window.
	ErrInvalidLimit = errors.New("invalid rate limit")
)

// RateLimitError describes a rejected Check. It matches
// ErrRateLimitExceeded with errors.Is.
type RateLimitError struct {
	Result *Result
}

// NewRateLimitError wraps a rejected result.
func NewRateLimitError(result *Result) *RateLimitError {
	return &RateLimitError{Result: result}
}

func (e *RateLimitError) Error() string {
	if e.Result == nil {
		return ErrRateLimitExceeded.Error()
	}
	return fmt.Sprintf("%s: %d/%d requests, retry in %ds",
		ErrRateLimitExceeded, e.Result.Count, e.Result.Limit, e.Result.RetryAfterSeconds())
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}
