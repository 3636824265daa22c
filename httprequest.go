// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"context"
	"fmt"
	"strings"
)

// DefaultUserAgent is the User-Agent header sent by generated HTTP
// requests.
const DefaultUserAgent = "sockwrap/1.0"

// HTTPRequest describes a hand-assembled HTTP request for raw-socket
// probing. This is deliberately not an [net/http.Request]: probes
// need byte-exact control over the wire format, including the
// bare-LF line endings some minimal servers expect.
type HTTPRequest struct {
	// Method is the request method. Empty means GET.
	Method string

	// URL is the request target. Empty means "/".
	URL string

	// Host is the Host header value. Empty omits the header.
	Host string

	// UserAgent is the User-Agent header value. Empty means
	// [DefaultUserAgent].
	UserAgent string

	// Version is the HTTP version in the request line. Empty means
	// "1.0".
	Version string

	// Extra contains additional header lines, written verbatim one
	// per line.
	Extra []string

	// Body is the optional request body, separated from the headers
	// by a blank line.
	Body string
}

// GenerateHTTPRequest assembles the request bytes.
//
// Lines are joined with bare LF rather than CRLF and the output is
// always terminated by a blank line, so the result can be written to
// a socket as-is and the peer sees a complete request.
func GenerateHTTPRequest(req HTTPRequest) []byte {
	method := req.Method
	if method == "" {
		method = "GET"
	}
	url := req.URL
	if url == "" {
		url = "/"
	}
	version := req.Version
	if version == "" {
		version = "1.0"
	}
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%s %s HTTP/%s\n", method, url, version)
	if req.Host != "" {
		fmt.Fprintf(&out, "Host: %s\n", req.Host)
	}
	fmt.Fprintf(&out, "User-Agent: %s\n", userAgent)
	for _, line := range req.Extra {
		out.WriteString(strings.TrimRight(line, "\n"))
		out.WriteString("\n")
	}
	if req.Body != "" {
		out.WriteString("\n")
		out.WriteString(req.Body)
	}

	text := out.String()
	for !strings.HasSuffix(text, "\n\n") {
		text += "\n"
	}
	return []byte(text)
}

// HTTPRequest sends a generated HTTP request and reads the reply
// until EOF, inside one virtual layer like [ManagedConn.Query]. When
// the request has no Host header the facade hostname is used.
func (c *ManagedConn) HTTPRequest(
	ctx context.Context, req HTTPRequest, options ReadEOFOptions) ([]byte, error) {
	if req.Host == "" {
		req.Host = c.Tracker.Hostname
	}
	return c.Query(ctx, GenerateHTTPRequest(req), options)
}
