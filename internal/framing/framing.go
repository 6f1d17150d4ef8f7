// Package framing implements the Content-Length framed JSON wire format
// spoken by MCP servers over stdio:
//
//	Content-Length: <N>\r\n\r\n<N bytes of UTF-8 JSON>
//
// Extra "key: value" header lines are accepted and ignored.
package framing

import (
	"bufio"
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"mcpbridge/internal/envelope"
	"mcpbridge/internal/errors"
)

const (
	// HeaderContentLength is the only header the codec consumes.
	HeaderContentLength = "content-length"

	// MaxHeaderBytes bounds the header block, terminator included.
	MaxHeaderBytes = 8 * 1024

	// MaxBodyBytes bounds a single message body.
	MaxBodyBytes = 64 * 1024 * 1024
)

var terminator = []byte("\r\n\r\n")

// ReadHeaders consumes bytes up to and including the blank-line terminator
// and returns the header lines keyed by lower-cased name.
func ReadHeaders(r io.ByteReader) (map[string]string, error) {
	buf := make([]byte, 0, 64)
	for !bytes.HasSuffix(buf, terminator) {
		if len(buf) >= MaxHeaderBytes {
			return nil, errors.NewProtocolError(errors.ReasonHeaderTooLarge, nil)
		}
		c, err := r.ReadByte()
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				return nil, errors.NewProtocolError(errors.ReasonUnexpectedEOF, io.ErrUnexpectedEOF)
			}
			return nil, &errors.IOError{Op: "read header", Err: err}
		}
		buf = append(buf, c)
	}

	headers := map[string]string{}
	block := string(buf[:len(buf)-len(terminator)])
	for _, line := range strings.Split(block, "\r\n") {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.NewProtocolError(errors.ReasonMalformedHeader, fmt.Errorf("%q", line))
		}
		headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return headers, nil
}

// ReadExactly reads exactly n bytes. A stream that ends early is a protocol
// error; a short result is never returned.
func ReadExactly(r io.Reader, n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.NewProtocolError(errors.ReasonContentLength, fmt.Errorf("negative length %d", n))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.NewProtocolError(errors.ReasonUnexpectedEOF, io.ErrUnexpectedEOF)
		}
		return nil, &errors.IOError{Op: "read body", Err: err}
	}
	return buf, nil
}

// ReadMessage reads one framed message. It returns io.EOF when the stream
// ends cleanly before the first header byte.
func ReadMessage(r *bufio.Reader) (envelope.Envelope, error) {
	if _, err := r.Peek(1); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &errors.IOError{Op: "read header", Err: err}
	}
	headers, err := ReadHeaders(r)
	if err != nil {
		return nil, err
	}
	n, err := contentLength(headers)
	if err != nil {
		return nil, err
	}
	body, err := ReadExactly(r, n)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

func contentLength(headers map[string]string) (int, error) {
	raw, ok := headers[HeaderContentLength]
	if !ok {
		return 0, errors.NewProtocolError(errors.ReasonContentLength, nil)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewProtocolError(errors.ReasonContentLength, err)
	}
	if n < 0 || n > MaxBodyBytes {
		return 0, errors.NewProtocolError(errors.ReasonContentLength, fmt.Errorf("length %d out of range", n))
	}
	return n, nil
}

// Decode parses a single JSON object. Numbers are kept as json.Number so
// ids and values survive a round trip unchanged.
func Decode(body []byte) (envelope.Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var env envelope.Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, errors.NewProtocolError(errors.ReasonInvalidJSON, err)
	}
	if env == nil {
		return nil, errors.NewProtocolError(errors.ReasonInvalidJSON, stderrors.New("payload is not an object"))
	}
	if _, err := dec.Token(); !stderrors.Is(err, io.EOF) {
		return nil, errors.NewProtocolError(errors.ReasonInvalidJSON, stderrors.New("trailing data after object"))
	}
	return env, nil
}

// Marshal renders env as compact JSON without HTML escaping; non-ASCII
// characters are written as UTF-8.
func Marshal(env envelope.Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Encode returns the framed wire form of env.
func Encode(env envelope.Envelope) ([]byte, error) {
	body, err := Marshal(env)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+32)
	frame = append(frame, "Content-Length: "...)
	frame = strconv.AppendInt(frame, int64(len(body)), 10)
	frame = append(frame, terminator...)
	frame = append(frame, body...)
	return frame, nil
}

// WriteMessage encodes env and writes the frame to w.
func WriteMessage(w io.Writer, env envelope.Envelope) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return &errors.IOError{Op: "write", Err: err}
	}
	return nil
}
