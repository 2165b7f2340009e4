package http1

import (
	"fmt"
	"net/http"
)

var answers = map[int][]byte{}

func init() {
	for _, status := range []int{400, 403, 404, 408, 431, 501, 502, 503, 504, 505} {
		answers[status] = buildAnswer(status)
	}
}

func buildAnswer(status int) []byte {
	text := http.StatusText(status)
	body := fmt.Sprintf("%d %s\n", status, text)
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"Cache-Control: no-cache\r\n"+
		"Connection: close\r\n"+
		"\r\n%s", status, text, len(body), body))
}

// Answer returns the response the proxy synthesizes for status. Every
// answer closes the connection.
func Answer(status int) []byte {
	if a, ok := answers[status]; ok {
		return a
	}
	return buildAnswer(status)
}
