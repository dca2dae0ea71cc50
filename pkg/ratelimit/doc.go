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

// Package ratelimit provides fixed-window request limiting for tollgate.
//
// Each (client, route) pair owns one counter in a store.Backend. The first
// request of a window creates the counter and fixes its expiry; later requests
// only increment it. A request is allowed while the count stays at or below
// the ceiling.
//
// # Basic Usage
//
//	backend := store.NewMemoryBackend()
//	limiter := ratelimit.NewLimiter(backend)
//
//	result, err := limiter.Check(ctx, "client-1:/v1/chat/completions", 60, time.Minute)
//	if !result.Allowed {
//	    // respond 429 with result.RetryAfter
//	}
//
// # Configuration
//
//	rate_limit:
//	  enabled: true
//	  window: 1m
//	  max_requests: 60
//
// # Window Boundaries
//
// Windows are fixed, not sliding. A client can send max_requests at the end
// of one window and max_requests again at the start of the next, so up to
// twice the ceiling may pass in a short span around a boundary.
//
// # Failure Mode
//
// Backend errors fail open: the request is allowed and Result.FailOpen is set.
package ratelimit
