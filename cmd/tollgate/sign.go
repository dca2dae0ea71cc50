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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kadirpekel/tollgate/pkg/admission"
	"github.com/kadirpekel/tollgate/pkg/auth"
	"github.com/kadirpekel/tollgate/pkg/config"
	"github.com/kadirpekel/tollgate/pkg/signature"
)

// SignCmd produces a signature token for a request, using the same
// canonicalization the gateway verifies against.
type SignCmd struct {
	Secret     string   `help:"Signing secret (defaults to signature.secret from --config)." env:"TOLLGATE_SECRET"`
	Payload    string   `help:"JSON request body to sign." xor:"input"`
	File       string   `short:"f" help:"Read the JSON request body from a file ('-' for stdin)." xor:"input"`
	Query      []string `short:"q" sep:"none" help:"Query parameter as key=value, used when no body is given." placeholder:"KEY=VALUE"`
	Nonce      string   `help:"Nonce to embed (default: random UUID)."`
	Timestamp  int64    `help:"Signing time in Unix milliseconds (default: now)."`
	BodyField  string   `name:"body-field" help:"Signature field in JSON bodies."`
	QueryParam string   `name:"query-param" help:"Signature query parameter."`
	Embed      bool     `help:"Print the body or query string with the signature embedded instead of the bare token."`
}

// signRequest holds the resolved inputs of a sign invocation.
type signRequest struct {
	secret     string
	body       []byte
	query      url.Values
	nonce      string
	timestamp  time.Time
	bodyField  string
	queryParam string
}

func (c *SignCmd) Run(cli *CLI) error {
	req, err := c.resolve(cli.Config)
	if err != nil {
		return err
	}
	token, err := req.sign()
	if err != nil {
		return err
	}
	if !c.Embed {
		fmt.Println(token)
		return nil
	}
	out, err := req.embed(token)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func (c *SignCmd) resolve(configPath string) (*signRequest, error) {
	req := &signRequest{
		secret:     c.Secret,
		nonce:      c.Nonce,
		bodyField:  c.BodyField,
		queryParam: c.QueryParam,
		query:      url.Values{},
	}
	if c.Timestamp != 0 {
		req.timestamp = time.UnixMilli(c.Timestamp)
	}

	if configPath != "" && (req.secret == "" || req.bodyField == "" || req.queryParam == "") {
		sigCfg, err := loadSignatureConfig(configPath)
		if err != nil {
			return nil, err
		}
		if req.secret == "" {
			req.secret = sigCfg.Secret
		}
		if req.bodyField == "" {
			req.bodyField = sigCfg.BodyField
		}
		if req.queryParam == "" {
			req.queryParam = sigCfg.QueryParam
		}
	}
	if req.secret == "" {
		return nil, fmt.Errorf("a secret is required (--secret, TOLLGATE_SECRET or --config)")
	}
	if req.bodyField == "" {
		req.bodyField = "signature"
	}
	if req.queryParam == "" {
		req.queryParam = "signature"
	}

	switch {
	case c.Payload != "":
		req.body = []byte(c.Payload)
	case c.File == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		req.body = data
	case c.File != "":
		data, err := os.ReadFile(c.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		req.body = data
	}

	for _, kv := range c.Query {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid query parameter %q, want key=value", kv)
		}
		req.query.Add(k, v)
	}
	return req, nil
}

func loadSignatureConfig(path string) (*config.SignatureConfig, error) {
	_ = config.LoadDotEnvForConfig(path)
	cfg, loader, err := config.LoadConfigFile(context.Background(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	loader.Close()
	return &cfg.Signature, nil
}

func (r *signRequest) sign() (string, error) {
	signer, err := signature.NewSigner(r.secret)
	if err != nil {
		return "", err
	}
	payload, err := admission.CanonicalPayload(r.body, r.query, r.bodyField, r.queryParam)
	if err != nil {
		return "", err
	}

	var opts []signature.SignOption
	if r.nonce != "" {
		opts = append(opts, signature.WithNonce(r.nonce))
	}
	if !r.timestamp.IsZero() {
		opts = append(opts, signature.WithTimestamp(r.timestamp))
	}
	return signer.Sign(payload, opts...)
}

// embed returns the body with the signature field set or, without a body,
// the query string carrying the signature parameter.
func (r *signRequest) embed(token string) (string, error) {
	if len(bytes.TrimSpace(r.body)) == 0 {
		q := url.Values{}
		for k, vs := range r.query {
			q[k] = vs
		}
		q.Set(r.queryParam, token)
		return q.Encode(), nil
	}

	dec := json.NewDecoder(bytes.NewReader(r.body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return "", fmt.Errorf("body must be a JSON object to embed a signature: %w", err)
	}
	obj[r.bodyField] = token

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// TokenCmd issues an HS256 token accepted by the admin API.
type TokenCmd struct {
	Secret   string        `help:"HMAC secret (defaults to admin.hmac_secret from --config)." env:"TOLLGATE_ADMIN_SECRET"`
	Subject  string        `help:"Token subject." default:"operator"`
	Role     string        `help:"Role claim (defaults to admin.role from --config, then admin)."`
	Issuer   string        `help:"Issuer claim (defaults to admin.issuer from --config)."`
	Audience string        `help:"Audience claim (defaults to admin.audience from --config)."`
	TTL      time.Duration `help:"Token lifetime." default:"1h"`
}

func (c *TokenCmd) Run(cli *CLI) error {
	admin := config.AdminConfig{
		HMACSecret: c.Secret,
		Role:       c.Role,
		Issuer:     c.Issuer,
		Audience:   c.Audience,
	}
	if cli.Config != "" {
		_ = config.LoadDotEnvForConfig(cli.Config)
		cfg, loader, err := config.LoadConfigFile(context.Background(), cli.Config)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		loader.Close()
		if admin.HMACSecret == "" {
			admin.HMACSecret = cfg.Admin.HMACSecret
		}
		if admin.Role == "" {
			admin.Role = cfg.Admin.Role
		}
		if admin.Issuer == "" {
			admin.Issuer = cfg.Admin.Issuer
		}
		if admin.Audience == "" {
			admin.Audience = cfg.Admin.Audience
		}
	}
	admin.SetDefaults()
	if admin.HMACSecret == "" {
		return fmt.Errorf("an HMAC secret is required (--secret, TOLLGATE_ADMIN_SECRET or --config)")
	}

	token, err := auth.SignHS256([]byte(admin.HMACSecret), admin.Issuer, admin.Audience, c.Subject, c.TTL,
		map[string]interface{}{"role": admin.Role})
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}
