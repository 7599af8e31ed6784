package protocol

import (
	"fmt"
	"strings"
)

// CommandType identifies what a stdin line asks for.
type CommandType int

const (
	CommandSearch CommandType = iota
	CommandConnect
	CommandShutdown
)

func (c CommandType) String() string {
	switch c {
	case CommandConnect:
		return "connect"
	case CommandShutdown:
		return "shutdown"
	default:
		return "search"
	}
}

// Command is one parsed stdin line.
type Command struct {
	Type CommandType
	// Raw is the trimmed line. For searches it is the JSON request.
	Raw string
}

// ParseCommand classifies a line. Anything that is not a keyword is a search request.
func ParseCommand(line string) Command {
	raw := strings.TrimSpace(line)
	switch raw {
	case "connect":
		return Command{Type: CommandConnect, Raw: raw}
	case "shutdown":
		return Command{Type: CommandShutdown, Raw: raw}
	default:
		return Command{Type: CommandSearch, Raw: raw}
	}
}

// SearchRequest asks for one page of catalog results.
type SearchRequest struct {
	InitialCursorMark string
	Code              string
	CallCount         float64
}

// ParseError means the input was not valid JSON.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string { return e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// RequestError means the input was JSON but not a usable search request.
type RequestError struct {
	Input   string
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// ParseSearchRequest decodes and validates {initial_cursor_mark, code, call_count}.
func ParseSearchRequest(raw string) (SearchRequest, error) {
	var decoded interface{}
	if err := json.UnmarshalFromString(raw, &decoded); err != nil {
		return SearchRequest{}, &ParseError{Input: raw, Err: err}
	}

	fields, _ := decoded.(map[string]interface{})

	callCount, ok := fields["call_count"].(float64)
	if !ok {
		return SearchRequest{}, &RequestError{Input: raw, Message: "expected call_count to be a number, got: " + raw}
	}

	cursor, err := optionalString(fields, "initial_cursor_mark", raw)
	if err != nil {
		return SearchRequest{}, err
	}
	code, err := optionalString(fields, "code", raw)
	if err != nil {
		return SearchRequest{}, err
	}

	if callCount > 1 && cursor == "" {
		return SearchRequest{}, &RequestError{Input: raw, Message: "expected initial_cursor_mark after first request, got: " + raw}
	}

	return SearchRequest{InitialCursorMark: cursor, Code: code, CallCount: callCount}, nil
}

// optionalString accepts a missing key, null, or a string.
func optionalString(fields map[string]interface{}, key, raw string) (string, error) {
	switch v := fields[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", &RequestError{Input: raw, Message: fmt.Sprintf("expected %s to be a string, got: %s", key, raw)}
	}
}
