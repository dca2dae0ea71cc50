// Package testutils provides request helpers shared by gateway tests.
package testutils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tollgate/pkg/admission"
	"github.com/kadirpekel/tollgate/pkg/signature"
)

// ChatPath is the chat completions route.
const ChatPath = "/v1/chat/completions"

// SignatureHeader is the default header carrying the signature token.
const SignatureHeader = "X-Signature"

// SignedChatRequest builds a POST to the chat route with body signed into
// the signature header.
func SignedChatRequest(t testing.TB, signer *signature.Signer, body, remoteAddr string) *http.Request {
	t.Helper()
	payload, err := admission.CanonicalJSON([]byte(body), "signature")
	require.NoError(t, err)
	token, err := signer.Sign(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, ChatPath, strings.NewReader(body))
	req.Header.Set(SignatureHeader, token)
	req.RemoteAddr = remoteAddr
	return req
}

// SignedGetRequest builds a GET whose query string carries its own signature.
func SignedGetRequest(t testing.TB, signer *signature.Signer, path string, query url.Values, remoteAddr string) *http.Request {
	t.Helper()
	token, err := signer.Sign([]byte(admission.CanonicalQuery(query, "signature")))
	require.NoError(t, err)

	signed := url.Values{}
	for k, vs := range query {
		signed[k] = vs
	}
	signed.Set("signature", token)

	req := httptest.NewRequest(http.MethodGet, path+"?"+signed.Encode(), nil)
	req.RemoteAddr = remoteAddr
	return req
}

// ErrorCode extracts error.code from a rejection body.
func ErrorCode(t testing.TB, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}
