package signature

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type setConsumer struct {
	mu   sync.Mutex
	seen map[string]time.Duration
}

func newSetConsumer() *setConsumer {
	return &setConsumer{seen: make(map[string]time.Duration)}
}

func (c *setConsumer) TryConsume(_ context.Context, nonce string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[nonce]; ok {
		return false
	}
	c.seen[nonce] = ttl
	return true
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSigner(t *testing.T, opts ...Option) (*Signer, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.UnixMilli(1_700_000_000_000)}
	signer, err := NewSigner("operator-secret", append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return signer, clock
}

func TestDeriveKey(t *testing.T) {
	short, err := DeriveKey("short")
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("short"))
	assert.Equal(t, sum[:], short)

	exact := strings.Repeat("k", KeySize)
	key, err := DeriveKey(exact)
	require.NoError(t, err)
	assert.Equal(t, []byte(exact), key)

	long := strings.Repeat("a", KeySize) + "overflow"
	key, err = DeriveKey(long)
	require.NoError(t, err)
	assert.Equal(t, []byte(strings.Repeat("a", KeySize)), key)

	_, err = DeriveKey("")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestSigner_RoundTrip(t *testing.T) {
	signer, _ := newTestSigner(t, WithNonceConsumer(newSetConsumer()))
	payload := []byte(`{"messages":[{"content":"hi","role":"user"}]}`)

	token, err := signer.Sign(payload)
	require.NoError(t, err)

	env, err := signer.Verify(context.Background(), token, payload, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, payload, env.Payload)
	assert.NotEmpty(t, env.Nonce)
}

func TestSigner_PayloadMayContainColons(t *testing.T) {
	signer, _ := newTestSigner(t)
	payload := []byte("a:b:c=d")

	token, err := signer.Sign(payload, WithNonce("n-1"))
	require.NoError(t, err)

	env, err := signer.Verify(context.Background(), token, payload, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "n-1", env.Nonce)
	assert.Equal(t, payload, env.Payload)
}

func TestSigner_FreshIVPerCall(t *testing.T) {
	signer, _ := newTestSigner(t)
	payload := []byte("same")

	a, err := signer.Sign(payload, WithNonce("n"))
	require.NoError(t, err)
	b, err := signer.Sign(payload, WithNonce("n"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestSigner_ExpiresAfterMaxAge(t *testing.T) {
	signer, clock := newTestSigner(t)
	payload := []byte("p")
	maxAge := time.Minute

	token, err := signer.Sign(payload)
	require.NoError(t, err)

	clock.Advance(maxAge)
	_, err = signer.Verify(context.Background(), token, payload, maxAge)
	require.NoError(t, err, "exactly maxAge old is still valid")

	clock.Advance(time.Millisecond)
	_, err = signer.Verify(context.Background(), token, payload, maxAge)
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, ReasonExpired, ReasonOf(err))
}

func TestSigner_RejectsFutureTimestamp(t *testing.T) {
	signer, clock := newTestSigner(t)

	token, err := signer.Sign([]byte("p"), WithTimestamp(clock.Now().Add(time.Second)))
	require.NoError(t, err)

	_, err = signer.Verify(context.Background(), token, []byte("p"), time.Minute)
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, ReasonFuture, ReasonOf(err))
}

func TestSigner_RejectsPayloadMismatch(t *testing.T) {
	guard := newSetConsumer()
	signer, _ := newTestSigner(t, WithNonceConsumer(guard))

	token, err := signer.Sign([]byte(`{"a":1}`))
	require.NoError(t, err)

	_, err = signer.Verify(context.Background(), token, []byte(`{"a":2}`), time.Minute)
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, ReasonPayloadMismatch, ReasonOf(err))
	assert.Empty(t, guard.seen, "nonce must not be consumed for a mismatched payload")
}

func TestSigner_RejectsReplay(t *testing.T) {
	signer, _ := newTestSigner(t, WithNonceConsumer(newSetConsumer()))
	payload := []byte("p")

	token, err := signer.Sign(payload)
	require.NoError(t, err)

	_, err = signer.Verify(context.Background(), token, payload, time.Minute)
	require.NoError(t, err)

	_, err = signer.Verify(context.Background(), token, payload, time.Minute)
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, ReasonReplayed, ReasonOf(err))
}

func TestSigner_NonceTTLNeverBelowMaxAge(t *testing.T) {
	guard := newSetConsumer()
	signer, _ := newTestSigner(t, WithNonceConsumer(guard), WithNonceTTL(time.Second))

	token, err := signer.Sign([]byte("p"), WithNonce("n"))
	require.NoError(t, err)
	_, err = signer.Verify(context.Background(), token, []byte("p"), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, time.Hour, guard.seen["n"])
}

func TestSigner_RejectsWrongKey(t *testing.T) {
	signer, clock := newTestSigner(t)
	other, err := NewSigner("another-secret", WithClock(clock.Now))
	require.NoError(t, err)

	token, err := other.Sign([]byte("p"))
	require.NoError(t, err)

	_, err = signer.Verify(context.Background(), token, []byte("p"), time.Minute)
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, ReasonDecrypt, ReasonOf(err))
}

func TestSigner_RejectsMalformed(t *testing.T) {
	signer, _ := newTestSigner(t)

	for _, token := range []string{"", "no-colon", "!!!:???", "AAAA:AAAA"} {
		_, err := signer.Verify(context.Background(), token, []byte("p"), time.Minute)
		assert.True(t, errors.Is(err, ErrInvalidSignature), token)
	}
}

func TestSigner_RejectsInvalidNonce(t *testing.T) {
	signer, _ := newTestSigner(t)
	_, err := signer.Sign([]byte("p"), WithNonce("a:b"))
	assert.Error(t, err)
}

func TestVerifyError_Message(t *testing.T) {
	err := reject(ReasonExpired, nil)
	assert.Equal(t, "invalid signature: signature expired", err.Error())
}
