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

package signature

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingSecret is returned when no operator secret is configured.
	ErrMissingSecret = errors.New("signature secret is required")

	// ErrInvalidSignature is the only outcome callers are shown for a bad token.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Reason classifies a verification failure. It is for logs, never for clients.
type Reason string

const (
	ReasonMalformed       Reason = "malformed token"
	ReasonDecrypt         Reason = "decryption failed"
	ReasonTooFewParts     Reason = "too few envelope parts"
	ReasonBadTimestamp    Reason = "unparseable timestamp"
	ReasonPayloadMismatch Reason = "payload mismatch"
	ReasonFuture          Reason = "timestamp in the future"
	ReasonExpired         Reason = "signature expired"
	ReasonReplayed        Reason = "nonce already used"
)

// VerifyError carries the internal reason for a rejected token.
// errors.Is(err, ErrInvalidSignature) holds for every VerifyError.
type VerifyError struct {
	Reason Reason
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrInvalidSignature, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidSignature, e.Reason)
}

// Unwrap exposes the sentinel.
func (e *VerifyError) Unwrap() error {
	return ErrInvalidSignature
}

// ReasonOf returns the reason behind a verification error, or "".
func ReasonOf(err error) Reason {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

func reject(reason Reason, err error) error {
	return &VerifyError{Reason: reason, Err: err}
}
