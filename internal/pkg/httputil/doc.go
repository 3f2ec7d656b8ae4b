// Package httputil provides shared HTTP response/request helpers for the
// API handlers.
//
// Handlers use these helpers instead of writing raw http.ResponseWriter
// calls so that JSON formatting and the error envelope stay consistent
// across endpoints.
package httputil
