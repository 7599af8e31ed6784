// Package protocol implements the line protocol spoken with the parent process.
//
// The parent writes one command per line on stdin. The relay answers on stdout
// with lines of the form "message=<payload>", where payload is either the bare
// token ready_for_requests, a search result, or a JSON error object.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// HTML in response bodies is relayed as is, not as \u003c escapes.
var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// MessagePrefix starts every line written to stdout.
const MessagePrefix = "message="

// ReadyForRequests is sent, unquoted, once the catalog page is usable.
const ReadyForRequests = "ready_for_requests"

// ErrMultiline is returned when a payload would span more than one line.
var ErrMultiline = errors.New("protocol: payload contains a newline")

// ErrorKind classifies a failure reported to the parent process.
type ErrorKind string

const (
	KindBadResponse    ErrorKind = "bad_response"
	KindTimeout        ErrorKind = "timeout"
	KindJSONParseError ErrorKind = "json_parse_error"
	KindUnknown        ErrorKind = "unknown"
	KindInvalidRequest ErrorKind = "invalid_request"
)

// ErrorPayload is any JSON object describing a failure.
type ErrorPayload interface {
	Kind() ErrorKind
}

// BadResponse reports a non-200 HTTP status.
type BadResponse struct {
	Error        ErrorKind `json:"error"`
	ResponseBody string    `json:"response_body"`
	Status       int       `json:"status"`
	URL          string    `json:"url"`
}

func (b BadResponse) Kind() ErrorKind { return b.Error }

// Failure reports a timeout or an unclassified error.
type Failure struct {
	Error   ErrorKind `json:"error"`
	Message string    `json:"message"`
}

func (f Failure) Kind() ErrorKind { return f.Error }

// InputFailure reports a problem with a specific piece of input.
type InputFailure struct {
	Error   ErrorKind `json:"error"`
	Message string    `json:"message"`
	Input   string    `json:"input"`
}

func (f InputFailure) Kind() ErrorKind { return f.Error }

// NewBadResponse builds a bad_response payload.
func NewBadResponse(body string, status int, url string) BadResponse {
	return BadResponse{Error: KindBadResponse, ResponseBody: body, Status: status, URL: url}
}

// NewFailure builds a timeout or unknown payload.
func NewFailure(kind ErrorKind, message string) Failure {
	return Failure{Error: kind, Message: message}
}

// NewInputFailure builds a json_parse_error or invalid_request payload.
func NewInputFailure(kind ErrorKind, message, input string) InputFailure {
	return InputFailure{Error: kind, Message: message, Input: input}
}

// Writer serializes protocol messages onto a single output stream.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewWriter wraps out, normally os.Stdout.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Send writes payload verbatim after the message prefix.
func (w *Writer) Send(payload string) error {
	return w.SendRaw([]byte(payload))
}

// SendRaw writes a pre-encoded payload. It must fit on one line.
func (w *Writer) SendRaw(payload []byte) error {
	if bytes.ContainsAny(payload, "\r\n") {
		return ErrMultiline
	}

	line := make([]byte, 0, len(MessagePrefix)+len(payload)+1)
	line = append(line, MessagePrefix...)
	line = append(line, payload...)
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(line); err != nil {
		return fmt.Errorf("protocol: failed to write message: %w", err)
	}
	return nil
}

// SendJSON encodes v as compact JSON and sends it.
func (w *Writer) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: failed to encode message: %w", err)
	}
	return w.SendRaw(data)
}

// SendReady announces that search requests can be sent.
func (w *Writer) SendReady() error {
	return w.Send(ReadyForRequests)
}

// SendError reports a failure to the parent process.
func (w *Writer) SendError(p ErrorPayload) error {
	return w.SendJSON(p)
}
