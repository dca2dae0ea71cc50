package main

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tollgate/pkg/admission"
	"github.com/kadirpekel/tollgate/pkg/signature"
)

const testSecret = "cli-test-secret"

func verify(t *testing.T, token string, payload []byte) *signature.Envelope {
	t.Helper()
	signer, err := signature.NewSigner(testSecret)
	require.NoError(t, err)
	env, err := signer.Verify(context.Background(), token, payload, time.Minute)
	require.NoError(t, err)
	return env
}

func TestSignCmd_Body(t *testing.T) {
	cmd := &SignCmd{
		Secret:  testSecret,
		Payload: `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
		Nonce:   "n-1",
	}
	req, err := cmd.resolve("")
	require.NoError(t, err)
	token, err := req.sign()
	require.NoError(t, err)

	// Key order and whitespace must not matter to the verifier.
	payload, err := admission.CanonicalPayload(
		[]byte(`{ "messages":[{"content":"hi","role":"user"}], "model":"m" }`), nil, "signature", "signature")
	require.NoError(t, err)
	env := verify(t, token, payload)
	assert.Equal(t, "n-1", env.Nonce)
}

func TestSignCmd_Query(t *testing.T) {
	cmd := &SignCmd{Secret: testSecret, Query: []string{"ts=1", "a=b"}}
	req, err := cmd.resolve("")
	require.NoError(t, err)
	token, err := req.sign()
	require.NoError(t, err)

	verify(t, token, []byte("a=b&ts=1"))

	out, err := req.embed(token)
	require.NoError(t, err)
	values, err := url.ParseQuery(out)
	require.NoError(t, err)
	assert.Equal(t, token, values.Get("signature"))
	assert.Equal(t, "1", values.Get("ts"))
}

func TestSignCmd_EmbedBody(t *testing.T) {
	cmd := &SignCmd{Secret: testSecret, Payload: `{"n":1.50,"x":"<a>"}`, BodyField: "sig"}
	req, err := cmd.resolve("")
	require.NoError(t, err)
	token, err := req.sign()
	require.NoError(t, err)

	out, err := req.embed(token)
	require.NoError(t, err)
	assert.Contains(t, out, `"n":1.50`)
	assert.Contains(t, out, `"x":"<a>"`)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, token, body["sig"])

	// The embedded body canonicalizes back to the signed payload.
	payload, err := admission.CanonicalPayload([]byte(out), nil, "sig", "signature")
	require.NoError(t, err)
	verify(t, token, payload)
}

func TestSignCmd_SecretFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tollgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
signature:
  secret: `+testSecret+`
  body_field: sig
upstream:
  url: http://localhost:9999/v1/chat/completions
`), 0o600))

	req, err := (&SignCmd{Payload: `{"a":1}`}).resolve(path)
	require.NoError(t, err)
	assert.Equal(t, testSecret, req.secret)
	assert.Equal(t, "sig", req.bodyField)
	assert.Equal(t, "signature", req.queryParam)
}

func TestSignCmd_Errors(t *testing.T) {
	_, err := (&SignCmd{}).resolve("")
	assert.Error(t, err)

	_, err = (&SignCmd{Secret: testSecret, Query: []string{"novalue"}}).resolve("")
	assert.Error(t, err)

	req, err := (&SignCmd{Secret: testSecret, Payload: `{not json`}).resolve("")
	require.NoError(t, err)
	_, err = req.sign()
	assert.Error(t, err)
}

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
signature:
  enabled: false
upstream:
  url: http://localhost:9999/v1/chat/completions
`), 0o600))

	rep, cfg := validateFile(good)
	require.True(t, rep.Valid, rep.Errors)
	require.NotNil(t, cfg)
	var messages []string
	for _, w := range rep.Warnings {
		messages = append(messages, w.Message)
	}
	assert.Contains(t, messages, "signature verification is disabled; any caller can reach the upstream")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server:\n  port: 0\n  bogus: 1\n"), 0o600))
	rep, cfg = validateFile(bad)
	assert.False(t, rep.Valid)
	assert.Nil(t, cfg)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "load", rep.Errors[0].Type)
}
