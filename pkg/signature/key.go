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

import "crypto/sha256"

// KeySize is the AES-256 key length.
const KeySize = 32

// DeriveKey turns the operator secret into a KeySize key. Short secrets are
// hashed with SHA-256, long ones truncated.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}

	raw := []byte(secret)
	switch {
	case len(raw) < KeySize:
		sum := sha256.Sum256(raw)
		return sum[:], nil
	case len(raw) > KeySize:
		return raw[:KeySize], nil
	default:
		return raw, nil
	}
}
