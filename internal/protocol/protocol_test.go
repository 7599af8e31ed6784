package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// -- Command Parsing --

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want CommandType
		raw  string
	}{
		{"connect", CommandConnect, "connect"},
		{"connect\r", CommandConnect, "connect"},
		{"  shutdown  ", CommandShutdown, "shutdown"},
		{`{"call_count":1}`, CommandSearch, `{"call_count":1}`},
		{"Connect", CommandSearch, "Connect"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd := ParseCommand(tt.line)
			assert.Equal(t, tt.want, cmd.Type)
			assert.Equal(t, tt.raw, cmd.Raw)
		})
	}
	assert.Equal(t, "search", CommandSearch.String())
}

// -- Search Request Validation --

func TestParseSearchRequest(t *testing.T) {
	t.Run("first call without cursor", func(t *testing.T) {
		req, err := ParseSearchRequest(`{"code":"amerob","call_count":1}`)
		require.NoError(t, err)
		assert.Equal(t, "amerob", req.Code)
		assert.Equal(t, float64(1), req.CallCount)
		assert.Empty(t, req.InitialCursorMark)
	})

	t.Run("later call with cursor", func(t *testing.T) {
		req, err := ParseSearchRequest(`{"initial_cursor_mark":"AoE/abc","code":"amerob","call_count":3}`)
		require.NoError(t, err)
		assert.Equal(t, "AoE/abc", req.InitialCursorMark)
	})

	t.Run("null cursor on first call", func(t *testing.T) {
		_, err := ParseSearchRequest(`{"initial_cursor_mark":null,"code":"amerob","call_count":0}`)
		require.NoError(t, err)
	})

	t.Run("missing code searches all taxa", func(t *testing.T) {
		req, err := ParseSearchRequest(`{"call_count":1}`)
		require.NoError(t, err)
		assert.Empty(t, req.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseSearchRequest(`{"code":`)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, `{"code":`, parseErr.Input)
	})

	t.Run("call_count as string", func(t *testing.T) {
		_, err := ParseSearchRequest(`{"code":"amerob","call_count":"1"}`)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Contains(t, reqErr.Message, "expected call_count to be a number")
	})

	t.Run("call_count missing", func(t *testing.T) {
		_, err := ParseSearchRequest(`{"code":"amerob"}`)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
	})

	t.Run("non object json", func(t *testing.T) {
		_, err := ParseSearchRequest(`[1,2,3]`)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, `[1,2,3]`, reqErr.Input)
	})

	t.Run("missing cursor after first call", func(t *testing.T) {
		_, err := ParseSearchRequest(`{"code":"amerob","call_count":2}`)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Contains(t, reqErr.Message, "expected initial_cursor_mark after first request")
	})

	t.Run("code of wrong type", func(t *testing.T) {
		_, err := ParseSearchRequest(`{"code":42,"call_count":1}`)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Contains(t, reqErr.Message, "expected code to be a string")
	})
}

// -- Writer --

func TestWriter(t *testing.T) {
	t.Run("ready token is bare", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewWriter(&buf).SendReady())
		assert.Equal(t, "message=ready_for_requests\n", buf.String())
	})

	t.Run("bad response keeps field order and empty body", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewWriter(&buf).SendError(NewBadResponse("", 503, "https://media.example.org/api/v2/search")))
		assert.Equal(t,
			`message={"error":"bad_response","response_body":"","status":503,"url":"https://media.example.org/api/v2/search"}`+"\n",
			buf.String())
	})

	t.Run("input failure escapes newlines", func(t *testing.T) {
		var buf bytes.Buffer
		err := NewWriter(&buf).SendError(NewInputFailure(KindJSONParseError, "unexpected end", "{\n"))
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
		assert.Contains(t, buf.String(), `"input":"{\n"`)
	})

	t.Run("failure", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewWriter(&buf).SendError(NewFailure(KindTimeout, "waiting for .ResultsList")))
		assert.Equal(t, `message={"error":"timeout","message":"waiting for .ResultsList"}`+"\n", buf.String())
	})

	t.Run("rejects multiline payloads", func(t *testing.T) {
		var buf bytes.Buffer
		err := NewWriter(&buf).SendRaw([]byte("{\n}"))
		assert.ErrorIs(t, err, ErrMultiline)
		assert.Empty(t, buf.String())
	})

	t.Run("kinds", func(t *testing.T) {
		assert.Equal(t, KindBadResponse, NewBadResponse("", 500, "").Kind())
		assert.Equal(t, KindUnknown, NewFailure(KindUnknown, "x").Kind())
		assert.Equal(t, KindInvalidRequest, NewInputFailure(KindInvalidRequest, "x", "y").Kind())
	})
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriter_PropagatesWriteErrors(t *testing.T) {
	err := NewWriter(failingWriter{}).SendReady()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
}

// -- LineReader --

func TestLineReader(t *testing.T) {
	defer goleak.VerifyNone(t)

	lr := NewLineReader(context.Background(), strings.NewReader("connect\n\n{\"call_count\":1}\r\n\r\nshutdown"))

	var got []string
	for line := range lr.Lines() {
		got = append(got, line)
	}
	require.NoError(t, lr.Err())
	assert.Equal(t, []string{"connect", "{\"call_count\":1}", "shutdown"}, got)
}

func TestLineReader_OversizedLine(t *testing.T) {
	defer goleak.VerifyNone(t)

	huge := `{"code":"` + strings.Repeat("a", maxLineSize) + `","call_count":1}`
	lr := NewLineReader(context.Background(), strings.NewReader("connect\n"+huge+"\nshutdown\n"))

	var got []string
	for line := range lr.Lines() {
		got = append(got, line)
	}
	assert.Equal(t, []string{"connect"}, got)
	err := lr.Err()
	require.ErrorIs(t, err, bufio.ErrTooLong)
	assert.Contains(t, err.Error(), "command exceeds")
}

func TestLineReader_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	lr := NewLineReader(ctx, pr)
	go func() {
		_, _ = pw.Write([]byte("connect\nshutdown\n"))
	}()

	// Take nothing; cancel while the reader waits to deliver the first line.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-lr.done:
	case <-time.After(2 * time.Second):
		t.Fatal("line reader did not stop after cancellation")
	}
	_ = pw.Close()
	_ = pr.Close()
}
