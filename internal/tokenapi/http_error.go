package tokenapi

import (
	"fmt"
	"net/http"
	"strings"
)

const maxSnippet = 256

// HTTPError is returned for any non-2xx registry response.
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string

	// Snippet is a truncated, single-line copy of the response body.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "token api http error"
	}
	msg := fmt.Sprintf("token api error: op=%s status=%d", e.Op, e.StatusCode)
	if e.Snippet != "" {
		msg += " body=" + e.Snippet
	}
	return msg
}

func newHTTPError(op string, resp *http.Response, body []byte) error {
	h := &HTTPError{Op: op}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}
	h.Snippet = snippet(body)
	return h
}

func snippet(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	b := body
	if len(b) > maxSnippet {
		b = b[:maxSnippet]
	}
	s := strings.ReplaceAll(string(b), "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(body) > maxSnippet {
		return s + "..."
	}
	return s
}
