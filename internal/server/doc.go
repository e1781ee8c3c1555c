// Package server implements the HTTP surface of the deployment trigger.
//
// This package provides:
//   - The push webhook endpoint with HMAC-SHA256 signature verification
//   - Project listing, lock status, and configuration reload endpoints
//   - Per-IP rate limiting
//   - Structured logging of all HTTP requests
//
// The server integrates with other packages:
//   - internal/project: project registry lookup and reload
//   - internal/deployment: single-flight coordination and supervision
//   - internal/history: SQLite-backed deployment outcome tracking
//
// Every state-mutating or information-disclosing route sits behind the
// signature guard; only the passive health and status routes are open.
// Webhook responses acknowledge dispatch, not deployment success - the
// deploy command runs asynchronously and its outcome is observable via
// logs and the status endpoint.
package server
