package http1

import (
	"net/netip"
	"strconv"
	"strings"
)

// Forwarding is what the proxy adds to a request about the client side.
type Forwarding struct {
	Client netip.AddrPort
	// Proto is "http" or "https".
	Proto string
	// Port is the port the client connected to.
	Port uint16
	// RequestID is added as X-Request-Id unless the request has one.
	RequestID string
}

// hopByHop lists headers that describe one connection and are never
// forwarded as is.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-connection":    true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"upgrade":             true,
}

// nominated returns the lowercase header names listed in Connection.
func nominated(headers []Header) map[string]bool {
	names := make(map[string]bool)
	for _, e := range listElements(values(headers, "Connection")) {
		names[strings.ToLower(e)] = true
	}
	return names
}

func appendHeader(dst []byte, name, value string) []byte {
	dst = append(dst, name...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, "\r\n"...)
}

// AppendForwarded appends the head to send to the backend: hop-by-hop
// headers dropped, forwarding headers added.
func (r *Request) AppendForwarded(dst []byte, fw Forwarding) []byte {
	dst = append(dst, r.Method...)
	dst = append(dst, ' ')
	dst = append(dst, r.Target...)
	dst = append(dst, " HTTP/1."...)
	dst = strconv.AppendInt(dst, int64(r.Minor), 10)
	dst = append(dst, "\r\n"...)

	skip := nominated(r.Headers)
	var xff, forwarded string
	hasID := false
	for _, h := range r.Headers {
		lower := strings.ToLower(h.Name)
		switch {
		case lower == "upgrade" && r.Upgrade:
		case hopByHop[lower] || skip[lower]:
			continue
		case lower == "x-forwarded-for":
			xff = joinList(xff, h.Value)
			continue
		case lower == "forwarded":
			forwarded = joinList(forwarded, h.Value)
			continue
		case lower == "x-forwarded-proto" || lower == "x-forwarded-port":
			continue
		case lower == "x-request-id":
			hasID = true
		}
		dst = appendHeader(dst, h.Name, h.Value)
	}

	client := fw.Client.Addr().Unmap()
	if client.IsValid() {
		dst = appendHeader(dst, "X-Forwarded-For", joinList(xff, client.String()))
	} else if xff != "" {
		dst = appendHeader(dst, "X-Forwarded-For", xff)
	}
	if fw.Proto != "" {
		dst = appendHeader(dst, "X-Forwarded-Proto", fw.Proto)
	}
	if fw.Port != 0 {
		dst = appendHeader(dst, "X-Forwarded-Port", strconv.Itoa(int(fw.Port)))
	}
	dst = appendHeader(dst, "Forwarded", joinList(forwarded, forwardedElement(client, fw.Proto, r.Host)))
	if !hasID && fw.RequestID != "" {
		dst = appendHeader(dst, "X-Request-Id", fw.RequestID)
	}

	switch {
	case r.Upgrade:
		dst = appendHeader(dst, "Connection", "Upgrade")
	case r.Minor == 0 && r.KeepAlive:
		dst = appendHeader(dst, "Connection", "keep-alive")
	}
	return append(dst, "\r\n"...)
}

func joinList(list, v string) string {
	if list == "" {
		return v
	}
	return list + ", " + v
}

func forwardedElement(client netip.Addr, proto, host string) string {
	var parts []string
	if client.IsValid() {
		if client.Is6() {
			parts = append(parts, `for="[`+client.String()+`]"`)
		} else {
			parts = append(parts, "for="+client.String())
		}
	}
	if host != "" {
		parts = append(parts, "host="+quoteIfNeeded(host))
	}
	if proto != "" {
		parts = append(parts, "proto="+proto)
	}
	return strings.Join(parts, ";")
}

func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, ":[]") {
		return `"` + v + `"`
	}
	return v
}

// ResponseOptions control how a backend response head is rewritten.
type ResponseOptions struct {
	// KeepAlive is whether the client connection stays open afterwards.
	KeepAlive bool
	// ClientMinor is the minor version of the client's request.
	ClientMinor int
	// SetCookie is added as a Set-Cookie header when not empty.
	SetCookie string
}

// AppendRewritten appends the head to send to the client.
func (r *Response) AppendRewritten(dst []byte, opts ResponseOptions) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(r.Status), 10)
	dst = append(dst, ' ')
	dst = append(dst, r.Reason...)
	dst = append(dst, "\r\n"...)

	switching := r.Status == 101
	skip := nominated(r.Headers)
	for _, h := range r.Headers {
		lower := strings.ToLower(h.Name)
		if lower == "upgrade" && switching {
			dst = appendHeader(dst, h.Name, h.Value)
			continue
		}
		if hopByHop[lower] || skip[lower] {
			continue
		}
		dst = appendHeader(dst, h.Name, h.Value)
	}
	if opts.SetCookie != "" {
		dst = appendHeader(dst, "Set-Cookie", opts.SetCookie)
	}

	switch {
	case switching:
		dst = appendHeader(dst, "Connection", "Upgrade")
	case r.Informational():
	case !opts.KeepAlive:
		dst = appendHeader(dst, "Connection", "close")
	case opts.ClientMinor == 0:
		dst = appendHeader(dst, "Connection", "keep-alive")
	}
	return append(dst, "\r\n"...)
}

// StickyCookie formats the Set-Cookie value pinning a client to a backend.
func StickyCookie(name, stickyID string) string {
	return name + "=" + stickyID + "; Path=/; HttpOnly"
}
