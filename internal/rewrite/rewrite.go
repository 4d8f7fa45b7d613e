// Package rewrite implements the header injection applied to the first chunk
// of each new client connection.
//
// The transform is deliberately shallow: it only acts when the first chunk
// read from a client both starts with a recognized HTTP method token and
// already contains the blank-line boundary ending the header block. A header
// block that arrives split across reads is forwarded untouched — this is a
// known limitation of the first-chunk-only policy, not something the rewriter
// tries to repair.
package rewrite

import (
	"bytes"
	"strings"
)

// Override is one configured header forcibly applied to the first request of
// a connection. Keys are case-sensitive.
type Override struct {
	Key   string
	Value string
}

// methodTokens are the request-line prefixes that identify a rewritable chunk.
var methodTokens = []string{
	"CONNECT", "GET", "OPTIONS", "POST", "HEAD", "PUT", "PATCH", "DELETE",
}

const (
	crlf        = "\r\n"
	headBodySep = "\r\n\r\n"
	headerKVSep = ": "
)

// Rewriter applies a fixed set of header overrides to raw request bytes.
// It is a pure transform and safe to share across connections.
type Rewriter struct {
	overrides []Override
}

// New creates a Rewriter. The override slice order determines the order in
// which overrides absent from the original request are appended.
func New(overrides []Override) *Rewriter {
	return &Rewriter{overrides: overrides}
}

// Apply rewrites the leading request head of data, returning the bytes to
// forward and whether an injection took place.
//
// Chunks that do not start with an HTTP method token, or that do not contain
// the complete header block (no CRLF CRLF boundary), are returned unmodified.
// Otherwise the head is reparsed and reserialized with the overrides merged
// in: an override replaces the value of an existing header in place, and
// overrides for headers the client did not send are appended before the blank
// line. The body bytes after the boundary are never touched.
func (r *Rewriter) Apply(data []byte) ([]byte, bool) {
	head, body, found := bytes.Cut(data, []byte(headBodySep))
	if !found {
		// Header block spans multiple reads; forwarded as-is.
		return data, false
	}
	if !startsWithMethod(head) {
		return data, false
	}

	lines := strings.Split(string(head), crlf)
	requestLine := lines[0]
	headers := parseHeaders(lines[1:])
	merged := merge(headers, r.overrides)

	var buf bytes.Buffer
	buf.Grow(len(data) + 128)
	buf.WriteString(requestLine)
	for _, h := range merged {
		buf.WriteString(crlf)
		buf.WriteString(h.Key)
		buf.WriteString(headerKVSep)
		buf.WriteString(h.Value)
	}
	buf.WriteString(headBodySep)
	buf.Write(body)
	return buf.Bytes(), true
}

func startsWithMethod(head []byte) bool {
	for _, m := range methodTokens {
		if bytes.HasPrefix(head, []byte(m)) {
			return true
		}
	}
	return false
}

// parseHeaders turns raw header lines into ordered key/value pairs. A line
// without the ": " separator yields the whole line as key and an empty value.
// A repeated key keeps its first position and takes the last value seen.
func parseHeaders(lines []string) []Override {
	headers := make([]Override, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		key, value, _ := strings.Cut(line, headerKVSep)
		if i, ok := index[key]; ok {
			headers[i].Value = value
			continue
		}
		index[key] = len(headers)
		headers = append(headers, Override{Key: key, Value: value})
	}
	return headers
}

// merge applies overrides on top of the parsed headers. Existing keys are
// replaced in place so the client's header order is preserved; new keys are
// appended in override order.
func merge(headers, overrides []Override) []Override {
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[h.Key] = i
	}
	for _, o := range overrides {
		if i, ok := index[o.Key]; ok {
			headers[i].Value = o.Value
			continue
		}
		index[o.Key] = len(headers)
		headers = append(headers, o)
	}
	return headers
}
