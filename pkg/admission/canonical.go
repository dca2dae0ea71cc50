package admission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
)

// CanonicalJSON re-encodes a JSON body with the signature field removed,
// object keys sorted and numbers kept verbatim, so signer and verifier agree
// on the bytes regardless of field order or whitespace.
func CanonicalJSON(body []byte, signatureField string) ([]byte, error) {
	v, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}
	if obj, ok := v.(map[string]any); ok {
		delete(obj, signatureField)
	}
	return encodeJSON(v)
}

// CanonicalQuery encodes query values sorted by key with the signature
// parameter removed.
func CanonicalQuery(values url.Values, signatureParam string) string {
	clean := make(url.Values, len(values))
	for k, vs := range values {
		if k == signatureParam {
			continue
		}
		clean[k] = vs
	}
	return clean.Encode()
}

// CanonicalPayload picks the signed payload: the canonical body when the body
// is non-empty, otherwise the canonical query string.
func CanonicalPayload(body []byte, query url.Values, signatureField, signatureParam string) ([]byte, error) {
	if len(bytes.TrimSpace(body)) > 0 {
		return CanonicalJSON(body, signatureField)
	}
	return []byte(CanonicalQuery(query, signatureParam)), nil
}

func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON body: trailing data")
	}
	return v, nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
