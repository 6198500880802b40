package main

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	keyEnter     = '\r'
	keyBackspace = 0x7f
	keyBell      = '\a'
)

var errLineTooLong = errors.New("command line too long")

// lineEditor turns a raw, arbitrarily chunked byte stream from the client
// into completed command lines and the echo bytes the client should see.
// It keeps no reference to the connection, so one editor per session.
type lineEditor struct {
	maxLen  int // 0 = unbounded
	buf     []rune
	pending []byte // incomplete UTF-8 sequence carried over from the last chunk

	history []string
	histIdx int // -1 = not browsing history
}

func newLineEditor(maxLen int) *lineEditor {
	return &lineEditor{maxLen: maxLen, histIdx: -1}
}

// editStep is one ordered piece of Feed output: bytes to echo, optionally
// followed by a line the carriage return just completed.
type editStep struct {
	echo []byte
	line string
	eol  bool
}

// Feed consumes one chunk and returns the echo/line steps it produced, in
// input order. A chunk without a carriage return yields at most one step
// with no line. err is errLineTooLong if input was discarded because the
// buffer was full; the steps are still valid.
func (e *lineEditor) Feed(p []byte) (steps []editStep, err error) {
	data := p
	if len(e.pending) > 0 {
		data = append(e.pending, p...)
		e.pending = nil
	}

	var echo []byte
	for len(data) > 0 {
		if !utf8.FullRune(data) {
			e.pending = append([]byte(nil), data...)
			break
		}
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		if r == utf8.RuneError && size == 1 {
			continue
		}

		switch r {
		case keyEnter:
			echo = append(echo, '\r', '\n')
			line := strings.TrimSpace(string(e.buf))
			if line != "" {
				e.history = append(e.history, line)
			}
			e.histIdx = -1
			e.buf = e.buf[:0]
			steps = append(steps, editStep{echo: echo, line: line, eol: true})
			echo = nil

		case keyBackspace:
			if len(e.buf) > 0 {
				e.buf = e.buf[:len(e.buf)-1]
				echo = append(echo, '\b', ' ', '\b')
			}

		default:
			if e.maxLen > 0 && len(e.buf) >= e.maxLen {
				echo = append(echo, keyBell)
				err = errLineTooLong
				continue
			}
			e.buf = append(e.buf, r)
			echo = utf8.AppendRune(echo, r)
		}
	}
	if len(echo) > 0 {
		steps = append(steps, editStep{echo: echo})
	}
	return steps, err
}

// Buffer returns the line typed so far.
func (e *lineEditor) Buffer() string {
	return string(e.buf)
}

// History returns the non-empty commands entered so far, oldest first.
func (e *lineEditor) History() []string {
	return append([]string(nil), e.history...)
}
