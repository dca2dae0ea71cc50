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

// Package signature issues and verifies encrypted request signatures.
//
// A token is base64url(iv) ":" base64url(AES-256-GCM(timestamp:nonce:payload)).
// Verification checks the payload byte for byte, bounds the timestamp by a
// maximum age, and consumes the nonce exactly once through a NonceConsumer.
//
// # Usage
//
//	signer, err := signature.NewSigner(secret, signature.WithNonceConsumer(guard))
//	token, err := signer.Sign(payload)
//	env, err := signer.Verify(ctx, token, payload, 5*time.Minute)
//	if errors.Is(err, signature.ErrInvalidSignature) {
//	    // reject with 401
//	}
package signature

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NonceConsumer records a nonce and reports whether it was unseen.
type NonceConsumer interface {
	TryConsume(ctx context.Context, nonce string, ttl time.Duration) bool
}

// Envelope is the decrypted content of a token.
type Envelope struct {
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64
	Nonce     string
	Payload   []byte
}

// Time returns the envelope timestamp.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

var encoding = base64.RawURLEncoding

// Signer signs and verifies tokens under one derived key.
type Signer struct {
	aead     cipher.AEAD
	nonces   NonceConsumer
	nonceTTL time.Duration
	now      func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithNonceConsumer sets the replay guard consulted by Verify.
func WithNonceConsumer(c NonceConsumer) Option {
	return func(s *Signer) {
		s.nonces = c
	}
}

// WithNonceTTL sets how long consumed nonces are kept. Values below the
// maxAge passed to Verify are raised to it.
func WithNonceTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		s.nonceTTL = ttl
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner derives the key from secret and builds the AEAD.
func NewSigner(secret string, opts ...Option) (*Signer, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	s := &Signer{aead: aead, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type signOptions struct {
	timestamp time.Time
	nonce     string
}

// SignOption overrides the timestamp or nonce of a single Sign call.
type SignOption func(*signOptions)

// WithTimestamp signs with ts instead of now.
func WithTimestamp(ts time.Time) SignOption {
	return func(o *signOptions) {
		o.timestamp = ts
	}
}

// WithNonce signs with a caller-chosen nonce.
func WithNonce(nonce string) SignOption {
	return func(o *signOptions) {
		o.nonce = nonce
	}
}

// Sign encrypts timestamp:nonce:payload with a fresh IV.
func (s *Signer) Sign(payload []byte, opts ...SignOption) (string, error) {
	o := signOptions{timestamp: s.now(), nonce: uuid.NewString()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.nonce == "" || strings.Contains(o.nonce, ":") {
		return "", fmt.Errorf("nonce must be non-empty and must not contain ':'")
	}

	plaintext := make([]byte, 0, len(payload)+64)
	plaintext = strconv.AppendInt(plaintext, o.timestamp.UnixMilli(), 10)
	plaintext = append(plaintext, ':')
	plaintext = append(plaintext, o.nonce...)
	plaintext = append(plaintext, ':')
	plaintext = append(plaintext, payload...)

	iv := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	ciphertext := s.aead.Seal(nil, iv, plaintext, nil)
	return encoding.EncodeToString(iv) + ":" + encoding.EncodeToString(ciphertext), nil
}

// Open decrypts a token without checking payload, age or nonce.
func (s *Signer) Open(token string) (*Envelope, error) {
	ivPart, ctPart, ok := strings.Cut(token, ":")
	if !ok {
		return nil, reject(ReasonMalformed, nil)
	}
	iv, err := encoding.DecodeString(ivPart)
	if err != nil || len(iv) != s.aead.NonceSize() {
		return nil, reject(ReasonMalformed, err)
	}
	ciphertext, err := encoding.DecodeString(ctPart)
	if err != nil {
		return nil, reject(ReasonMalformed, err)
	}

	plaintext, err := s.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, reject(ReasonDecrypt, err)
	}

	parts := bytes.SplitN(plaintext, []byte(":"), 3)
	if len(parts) < 3 {
		return nil, reject(ReasonTooFewParts, nil)
	}
	ts, err := strconv.ParseInt(string(parts[0]), 10, 64)
	if err != nil {
		return nil, reject(ReasonBadTimestamp, err)
	}
	if len(parts[1]) == 0 {
		return nil, reject(ReasonMalformed, fmt.Errorf("empty nonce"))
	}

	return &Envelope{Timestamp: ts, Nonce: string(parts[1]), Payload: parts[2]}, nil
}

// Verify checks the token against expectedPayload and maxAge, then consumes
// its nonce. Every failure satisfies errors.Is(err, ErrInvalidSignature).
func (s *Signer) Verify(ctx context.Context, token string, expectedPayload []byte, maxAge time.Duration) (*Envelope, error) {
	env, err := s.Open(token)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(env.Payload, expectedPayload) {
		return nil, reject(ReasonPayloadMismatch, nil)
	}

	age := s.now().UnixMilli() - env.Timestamp
	if age < 0 {
		return nil, reject(ReasonFuture, nil)
	}
	if age > maxAge.Milliseconds() {
		return nil, reject(ReasonExpired, nil)
	}

	if s.nonces != nil {
		ttl := s.nonceTTL
		if ttl < maxAge {
			ttl = maxAge
		}
		if !s.nonces.TryConsume(ctx, env.Nonce, ttl) {
			return nil, reject(ReasonReplayed, nil)
		}
	}

	return env, nil
}
