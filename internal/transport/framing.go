package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxScannerBuffer is 10 MB, large enough for big JSON-RPC payloads such as
// whole-document syncs.
const maxScannerBuffer = 10 * 1024 * 1024

// Framing selects how messages are delimited on the byte stream.
type Framing string

const (
	// FramingHeader is LSP base-protocol framing: a Content-Length header
	// block followed by the JSON body.
	FramingHeader Framing = "header"
	// FramingLine is newline-delimited JSON, one message per line.
	FramingLine Framing = "line"
)

// ParseFraming validates a framing name. The empty string selects
// FramingHeader.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(s))) {
	case "", FramingHeader:
		return FramingHeader, nil
	case FramingLine:
		return FramingLine, nil
	default:
		return "", fmt.Errorf("unknown framing %q (want %q or %q)", s, FramingHeader, FramingLine)
	}
}

// errMissingContentLength is returned when a header block ends without a
// usable Content-Length.
var errMissingContentLength = errors.New("transport: missing Content-Length header")

type frameReader interface {
	// ReadFrame returns the next message body. io.EOF marks a clean end of
	// input; a *frameError marks a skipped frame and reading may continue.
	ReadFrame() ([]byte, error)
}

type frameWriter func(w io.Writer, body []byte) error

func newFraming(f Framing, in io.Reader) (frameReader, frameWriter) {
	if f == FramingLine {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)
		return &lineReader{scanner: scanner}, writeLine
	}
	return &headerReader{r: bufio.NewReader(in)}, writeHeader
}

// frameError reports a malformed frame the reader skipped. The stream stays
// usable: the next ReadFrame resynchronizes on the following header block.
type frameError struct {
	err error
}

func (e *frameError) Error() string { return e.err.Error() }
func (e *frameError) Unwrap() error { return e.err }

const contentLengthPrefix = "content-length:"

type headerReader struct {
	r *bufio.Reader
	// resync discards input up to the next Content-Length header.
	resync bool
}

func (h *headerReader) ReadFrame() ([]byte, error) {
	contentLen := -1
	sawHeader := false
	for {
		line, err := h.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && (h.resync || (!sawHeader && line == "")) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if h.resync {
			// A body of unknown length may run into the next header line.
			i := strings.Index(strings.ToLower(line), contentLengthPrefix)
			if i < 0 {
				continue
			}
			line = line[i:]
			h.resync = false
		}
		if line == "" {
			if !sawHeader {
				// Tolerate stray blank lines between messages.
				continue
			}
			break
		}
		sawHeader = true
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, h.skip(fmt.Errorf("malformed header line %q", line))
		}
		if strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil || n < 0 {
				return nil, h.skip(fmt.Errorf("invalid Content-Length %q", val))
			}
			contentLen = n
		}
	}
	if contentLen < 0 {
		return nil, h.skip(errMissingContentLength)
	}
	if contentLen > maxScannerBuffer {
		if _, err := io.CopyN(io.Discard, h.r, int64(contentLen)); err != nil {
			return nil, fmt.Errorf("skip oversized body: %w", err)
		}
		return nil, &frameError{err: fmt.Errorf("message of %d bytes exceeds limit of %d", contentLen, maxScannerBuffer)}
	}
	body := make([]byte, contentLen)
	if _, err := io.ReadFull(h.r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (h *headerReader) skip(err error) error {
	h.resync = true
	return &frameError{err: err}
}

func writeHeader(w io.Writer, body []byte) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	_, err := w.Write(b.Bytes())
	return err
}

type lineReader struct {
	scanner *bufio.Scanner
}

func (l *lineReader) ReadFrame() ([]byte, error) {
	for l.scanner.Scan() {
		line := bytes.TrimSpace(l.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer.
		return bytes.Clone(line), nil
	}
	if err := l.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return nil, io.EOF
}

func writeLine(w io.Writer, body []byte) error {
	data := make([]byte, 0, len(body)+1)
	data = append(data, body...)
	data = append(data, '\n')
	_, err := w.Write(data)
	return err
}
