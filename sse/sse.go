// Package sse decodes Server-Sent-Event data frames from an append-only
// sequence of byte chunks of arbitrary size and boundary.
package sse

import (
	"bytes"
	"strings"
)

// Done is the literal sentinel payload some gateways emit to terminate a
// stream. It is not JSON and must be special-cased by the caller.
const Done = "[DONE]"

const dataPrefix = "data:"

// Parser is an incremental decoder. Feed it chunks as they arrive; it yields
// one payload string per complete "data:" line. Splitting the same bytes at
// different boundaries never changes the output.
//
// The zero value is ready to use. A Parser is not safe for concurrent use.
type Parser struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns the payloads of
// every "data:" line the chunk completed. Lines terminated by \n or \r\n are
// both accepted; the trailing incomplete fragment is retained for the next
// call. Blank lines and lines without the data prefix (comments, event/id
// fields) are discarded.
func (p *Parser) Feed(chunk []byte) []string {
	p.buf = append(p.buf, chunk...)

	var payloads []string
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			return payloads
		}
		line := p.buf[:i]
		p.buf = p.buf[i+1:]

		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}
		payload := strings.TrimSpace(string(line[len(dataPrefix):]))
		if payload == "" {
			continue
		}
		payloads = append(payloads, payload)
	}
}

// FeedString is Feed for string chunks.
func (p *Parser) FeedString(chunk string) []string {
	return p.Feed([]byte(chunk))
}
