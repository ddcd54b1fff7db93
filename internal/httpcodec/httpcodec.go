// Package httpcodec implements the stateless request parser and response
// builder for the server's restricted HTTP/1.1 subset: one request per
// parse call, no chunked transfer encoding, Content-Length-only bodies.
package httpcodec

import (
	"strconv"
	"strings"
)

// Request is a parsed HTTP request.
type Request struct {
	Method  string
	Path    string
	Query   string
	Headers map[string]string
	Body    []byte
}

// Header looks up a header value case-insensitively, lower-casing name to
// match how Headers keys are stored.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// ParseRequest parses raw into a Request. raw must already be a complete
// request (request-line + headers + exactly Content-Length body bytes, if
// any); extracting exactly one complete request from a connection's read
// buffer is internal/connio's job, not this package's.
func ParseRequest(raw []byte) (Request, bool) {
	s := string(raw)

	lineEnd := strings.Index(s, "\r\n")
	if lineEnd < 0 {
		return Request{}, false
	}
	requestLine := s[:lineEnd]
	rest := s[lineEnd+2:]

	sp1 := strings.IndexByte(requestLine, ' ')
	if sp1 < 0 {
		return Request{}, false
	}
	method := requestLine[:sp1]

	sp2 := strings.IndexByte(requestLine[sp1+1:], ' ')
	if sp2 < 0 {
		return Request{}, false
	}
	pathAndQuery := requestLine[sp1+1 : sp1+1+sp2]

	path, query := pathAndQuery, ""
	if qpos := strings.IndexByte(pathAndQuery, '?'); qpos >= 0 {
		path, query = pathAndQuery[:qpos], pathAndQuery[qpos+1:]
	}

	req := Request{Method: method, Path: path, Query: query, Headers: make(map[string]string)}

	for {
		nl := strings.Index(rest, "\r\n")
		var line string
		if nl < 0 {
			line = rest
			rest = ""
		} else {
			line = rest[:nl]
			rest = rest[nl+2:]
		}
		if line == "" {
			break
		}
		if colon := strings.IndexByte(line, ':'); colon >= 0 {
			key := strings.ToLower(line[:colon])
			value := strings.TrimLeft(line[colon+1:], " ")
			req.Headers[key] = value
		}
		if nl < 0 {
			break
		}
	}

	if cl, ok := req.Headers["content-length"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			n = 0
		}
		if n > len(rest) {
			n = len(rest)
		}
		req.Body = []byte(rest[:n])
	}

	return req, true
}

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	500: "Internal Server Error",
}

// BuildResponse renders a complete HTTP/1.1 response with the
// Content-Type/Content-Length/Connection headers the server always sends.
func BuildResponse(statusCode int, body []byte, contentType string) []byte {
	text, ok := statusText[statusCode]
	if !ok {
		text = "OK"
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(statusCode))
	b.WriteByte(' ')
	b.WriteString(text)
	b.WriteString("\r\nContent-Type: ")
	b.WriteString(contentType)
	b.WriteString("; charset=utf-8\r\nContent-Length: ")
	b.WriteString(strconv.Itoa(len(body)))
	b.WriteString("\r\nConnection: keep-alive\r\n\r\n")
	b.Write(body)
	return []byte(b.String())
}
