// Package http1 parses and rewrites HTTP/1.x message heads and tracks body
// framing so that a proxy can forward messages byte-exactly without
// buffering whole bodies.
package http1

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ErrMalformedResponse is returned for a response head the proxy cannot
// frame; it is answered with 502.
var ErrMalformedResponse = errors.New("malformed response")

// HeadError rejects a request head with the status the client should get.
type HeadError struct {
	Status int
	Reason string
}

func (e *HeadError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Reason)
}

func reject(status int, format string, args ...any) error {
	return &HeadError{Status: status, Reason: fmt.Sprintf(format, args...)}
}

// Header is one header field in arrival order.
type Header struct {
	Name  string
	Value string
}

// HeadEnd looks for the blank line ending a message head in p, starting at
// offset from. It returns the length of the head including the blank line,
// or -1 together with the offset the next call should resume from.
func HeadEnd(p []byte, from int) (end int, next int) {
	i := from
	for {
		j := bytes.IndexByte(p[i:], '\n')
		if j < 0 {
			return -1, len(p)
		}
		i += j
		switch {
		case i+1 >= len(p):
			return -1, i
		case p[i+1] == '\n':
			return i + 2, i
		case p[i+1] == '\r':
			if i+2 >= len(p) {
				return -1, i
			}
			if p[i+2] == '\n' {
				return i + 3, i
			}
		}
		i++
	}
}

// SkipEmptyLines returns how many leading CR/LF bytes p carries. Clients
// may send stray line breaks between pipelined requests.
func SkipEmptyLines(p []byte) int {
	n := 0
	for n < len(p) && (p[n] == '\r' || p[n] == '\n') {
		n++
	}
	return n
}

// BodyKind is how the end of a message body is determined.
type BodyKind uint8

const (
	BodyNone BodyKind = iota
	BodyLength
	BodyChunked
	BodyUntilClose
)

func (k BodyKind) String() string {
	switch k {
	case BodyNone:
		return "none"
	case BodyLength:
		return "length"
	case BodyChunked:
		return "chunked"
	default:
		return "until-close"
	}
}

// Framing describes a message body.
type Framing struct {
	Kind   BodyKind
	Length int64
}

// Request is a parsed request head.
type Request struct {
	Method string
	Target string
	// Path is the target without query, "*" for asterisk-form.
	Path         string
	Major, Minor int
	Headers      []Header
	// Host is the Host header, or the authority of an absolute-form target.
	Host           string
	Body           Framing
	KeepAlive      bool
	Upgrade        bool
	ExpectContinue bool
}

// Response is a parsed response head.
type Response struct {
	Major, Minor int
	Status       int
	Reason       string
	Headers      []Header
	Body         Framing
	KeepAlive    bool
}

// Informational reports a 1xx response, which is followed by another head.
func (r *Response) Informational() bool { return r.Status >= 100 && r.Status < 200 }

func splitLines(head []byte) []string {
	s := string(head)
	s = strings.TrimRight(s, "\r\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func parseVersion(v string) (major, minor int, ok bool) {
	if len(v) != len("HTTP/1.1") || !strings.HasPrefix(v, "HTTP/") || v[6] != '.' {
		return 0, 0, false
	}
	if v[5] < '0' || v[5] > '9' || v[7] < '0' || v[7] > '9' {
		return 0, 0, false
	}
	return int(v[5] - '0'), int(v[7] - '0'), true
}

func parseHeaders(lines []string) ([]Header, error) {
	headers := make([]Header, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, errors.New("obsolete line folding")
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("header line without colon: %q", line)
		}
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("invalid header name %q", name)
		}
		value = strings.Trim(value, " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("invalid value for header %s", name)
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}

// values returns every value of a header, list elements split and trimmed.
func values(headers []Header, name string) []string {
	var out []string
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

func listElements(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				out = append(out, e)
			}
		}
	}
	return out
}

// Get returns the first value of a header.
func Get(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func contentLength(headers []Header) (int64, bool, error) {
	vals := listElements(values(headers, "Content-Length"))
	if len(vals) == 0 {
		return 0, false, nil
	}
	var n int64 = -1
	for _, v := range vals {
		for i := 0; i < len(v); i++ {
			if v[i] < '0' || v[i] > '9' {
				return 0, true, fmt.Errorf("invalid Content-Length %q", v)
			}
		}
		x, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, true, fmt.Errorf("invalid Content-Length %q", v)
		}
		if n >= 0 && x != n {
			return 0, true, errors.New("conflicting Content-Length values")
		}
		n = x
	}
	return n, true, nil
}

// chunkedLast reports whether the transfer codings end with chunked.
func chunkedLast(codings []string) bool {
	return len(codings) > 0 && strings.EqualFold(codings[len(codings)-1], "chunked")
}

// ParseRequest parses a complete request head as delimited by HeadEnd.
// Errors are *HeadError values carrying the status to answer with.
func ParseRequest(head []byte) (*Request, error) {
	lines := splitLines(head)
	method, rest, ok1 := strings.Cut(lines[0], " ")
	target, version, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" || strings.ContainsAny(version, " \t") {
		return nil, reject(400, "malformed request line")
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, reject(400, "invalid method")
	}
	for i := 0; i < len(target); i++ {
		if target[i] <= ' ' || target[i] == 0x7f {
			return nil, reject(400, "invalid request target")
		}
	}
	major, minor, ok := parseVersion(version)
	if !ok {
		return nil, reject(400, "malformed HTTP version %q", version)
	}
	if major != 1 {
		return nil, reject(505, "HTTP version %s not supported", version)
	}
	if method == "CONNECT" {
		return nil, reject(501, "CONNECT is not supported")
	}

	headers, err := parseHeaders(lines[1:])
	if err != nil {
		return nil, reject(400, "%v", err)
	}
	req := &Request{
		Method:  method,
		Target:  target,
		Major:   major,
		Minor:   minor,
		Headers: headers,
	}

	hosts := values(headers, "Host")
	switch {
	case len(hosts) > 1:
		return nil, reject(400, "multiple Host headers")
	case len(hosts) == 1:
		if !httpguts.ValidHostHeader(hosts[0]) {
			return nil, reject(400, "invalid Host header")
		}
		req.Host = hosts[0]
	case minor >= 1:
		return nil, reject(400, "missing Host header")
	}

	switch {
	case target == "*":
		req.Path = "*"
	case strings.HasPrefix(target, "/"):
		req.Path, _, _ = strings.Cut(target, "?")
	default:
		authority, path, ok := absoluteForm(target)
		if !ok {
			return nil, reject(400, "invalid request target")
		}
		req.Host, req.Path = authority, path
	}

	codings := listElements(values(headers, "Transfer-Encoding"))
	length, hasLength, err := contentLength(headers)
	if len(codings) > 0 && hasLength {
		return nil, reject(400, "both Content-Length and Transfer-Encoding")
	}
	if err != nil {
		return nil, reject(400, "%v", err)
	}
	switch {
	case len(codings) > 0:
		if minor == 0 {
			return nil, reject(400, "Transfer-Encoding in HTTP/1.0 request")
		}
		if !chunkedLast(codings) {
			return nil, reject(501, "unsupported transfer coding")
		}
		req.Body = Framing{Kind: BodyChunked}
	case hasLength && length > 0:
		req.Body = Framing{Kind: BodyLength, Length: length}
	}

	conn := values(headers, "Connection")
	if minor >= 1 {
		req.KeepAlive = !httpguts.HeaderValuesContainsToken(conn, "close")
	} else {
		req.KeepAlive = httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	if up, ok := Get(headers, "Upgrade"); ok && up != "" && minor >= 1 {
		req.Upgrade = httpguts.HeaderValuesContainsToken(conn, "upgrade")
	}
	if v, ok := Get(headers, "Expect"); ok && strings.EqualFold(v, "100-continue") {
		req.ExpectContinue = true
	}
	return req, nil
}

func absoluteForm(target string) (authority, path string, ok bool) {
	scheme, rest, found := strings.Cut(target, "://")
	if !found || !(strings.EqualFold(scheme, "http") || strings.EqualFold(scheme, "https")) {
		return "", "", false
	}
	authority, path = rest, "/"
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		authority = rest[:i]
		if rest[i] == '/' {
			path, _, _ = strings.Cut(rest[i:], "?")
		}
	}
	if authority == "" || !httpguts.ValidHostHeader(authority) {
		return "", "", false
	}
	return authority, path, true
}

// Cookie returns the value of a request cookie.
func (r *Request) Cookie(name string) (string, bool) {
	for _, v := range values(r.Headers, "Cookie") {
		for _, pair := range strings.Split(v, ";") {
			k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && k == name {
				return strings.Trim(val, `"`), true
			}
		}
	}
	return "", false
}

// ParseResponse parses a complete response head. method is the method of
// the request it answers, which decides whether a body follows.
func ParseResponse(head []byte, method string) (*Response, error) {
	lines := splitLines(head)
	version, rest, ok := strings.Cut(lines[0], " ")
	if !ok {
		return nil, fmt.Errorf("%w: malformed status line", ErrMalformedResponse)
	}
	major, minor, ok := parseVersion(version)
	if !ok || major != 1 {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedResponse, version)
	}
	code, reason, _ := strings.Cut(rest, " ")
	if len(code) != 3 {
		return nil, fmt.Errorf("%w: malformed status code %q", ErrMalformedResponse, code)
	}
	status, err := strconv.Atoi(code)
	if err != nil || status < 100 {
		return nil, fmt.Errorf("%w: malformed status code %q", ErrMalformedResponse, code)
	}
	headers, err := parseHeaders(lines[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	resp := &Response{
		Major:   major,
		Minor:   minor,
		Status:  status,
		Reason:  reason,
		Headers: headers,
	}
	conn := values(headers, "Connection")
	if minor >= 1 {
		resp.KeepAlive = !httpguts.HeaderValuesContainsToken(conn, "close")
	} else {
		resp.KeepAlive = httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}

	codings := listElements(values(headers, "Transfer-Encoding"))
	length, hasLength, lerr := contentLength(headers)
	if len(codings) > 0 && hasLength {
		// relaying both would let the next hop pick either framing
		return nil, fmt.Errorf("%w: both Content-Length and Transfer-Encoding", ErrMalformedResponse)
	}
	if method == "HEAD" || resp.Informational() || status == 204 || status == 304 {
		return resp, nil
	}
	switch {
	case len(codings) > 0:
		if chunkedLast(codings) {
			resp.Body = Framing{Kind: BodyChunked}
		} else {
			resp.Body = Framing{Kind: BodyUntilClose}
			resp.KeepAlive = false
		}
	case lerr != nil:
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, lerr)
	case hasLength:
		if length > 0 {
			resp.Body = Framing{Kind: BodyLength, Length: length}
		}
	default:
		resp.Body = Framing{Kind: BodyUntilClose}
		resp.KeepAlive = false
	}
	return resp, nil
}
