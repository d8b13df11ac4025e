package sse

import (
	"net/http"
)

// SetSSEHeaders sets the necessary HTTP headers for a Server-Sent Events stream.
// According to the SSE specification, the following headers should be set:
// - Content-Type: text/event-stream; charset=utf-8 (required for SSE)
// - Connection: keep-alive (maintains persistent connection)
// - Cache-Control: no-cache (prevents caching of events)
//
// The function preserves any existing Cache-Control header if already set.
//
// Parameters:
//   - header: The HTTP header collection to modify
func SetSSEHeaders(header http.Header) {
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	header.Set("Connection", "keep-alive")
	if len(header.Get("Cache-Control")) == 0 {
		header.Set("Cache-Control", "no-cache")
	}
}
