package api

import (
	"net/http"
	"strconv"
)

// List limits applied when a request does not ask for one.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// parseLimit reads ?limit= and clamps it to [1, max]. Missing or invalid
// values use def.
func parseLimit(r *http.Request, def, max int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 1 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
