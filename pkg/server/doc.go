// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package server exposes the gateway over HTTP.
//
// Routes:
//
//	POST   /v1/chat/completions   admitted, forwarded upstream
//	GET    /v1/sessions/{id}      admitted, returns the session history
//	GET    /health
//	GET    /metrics               Prometheus exposition
//	GET    /admin/quota/{client}  JWT with the admin role
//	DELETE /admin/quota/{client}
//	GET    /admin/sessions/{id}
//	DELETE /admin/sessions/{id}
package server
