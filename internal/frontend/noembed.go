//go:build !embed

package frontend

import "net/http"

// Handler returns nil when the binary is built without -tags embed; the
// server then falls back to serving the frontend from disk.
func Handler() http.Handler {
	return nil
}
