// Package sseutil provides shared SSE reading and chunk-building utilities
// for provider adapters.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

// SSE lines are bounded at 64KB. A single token delta never comes close;
// the cap keeps a misbehaving upstream from ballooning memory.
const (
	initialBufSize = 4 << 10
	maxLineSize    = 64 << 10
)

// NewScanner wraps r in a line scanner sized for SSE payloads. Each Scan
// yields one wire line without its trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, initialBufSize), maxLineSize)
	return sc
}

// ParseSSELine splits one wire line into its event name or data payload.
// Blank lines, comments (leading ':') and unknown fields report ok=false.
// A single optional space after the field colon is stripped, as event
// streams are allowed to emit either form.
func ParseSSELine(line string) (event, data string, ok bool) {
	if v, found := strings.CutPrefix(line, "data:"); found {
		return "", strings.TrimPrefix(v, " "), true
	}
	if v, found := strings.CutPrefix(line, "event:"); found {
		return strings.TrimPrefix(v, " "), "", true
	}
	return "", "", false
}
