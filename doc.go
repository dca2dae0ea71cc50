// Package tollgate is an abuse-control gateway for chat completion APIs.
//
// Every request passes an admission pipeline before it is forwarded:
//
//  1. IP filter (allow and deny lists, CIDR aware)
//  2. fixed-window rate limit per client
//  3. AES-256-GCM request signature with timestamp and single-use nonce
//  4. token ceilings and daily/monthly quota
//
// Admitted requests are merged with the session's stored history, forwarded
// upstream, and the exchange is appended to the session.
//
// # Quick Start
//
// Install:
//
//	go install github.com/kadirpekel/tollgate/cmd/tollgate@latest
//
// Write a configuration:
//
//	signature:
//	  secret: ${TOLLGATE_SECRET}
//	upstream:
//	  url: https://api.example.com/v1/chat/completions
//	  api_key: ${UPSTREAM_API_KEY}
//
// Serve it:
//
//	tollgate serve --config tollgate.yaml --watch
//
// Sign a request for it:
//
//	tollgate sign --config tollgate.yaml --file request.json --embed
//
// The pkg/runtime package assembles the same gateway programmatically.
package tollgate
