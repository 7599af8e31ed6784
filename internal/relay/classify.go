package relay

import (
	"context"
	"errors"

	"github.com/xkilldash9x/catalog-relay/internal/catalog"
	"github.com/xkilldash9x/catalog-relay/internal/protocol"
)

// Classify maps a Go error onto the error kinds the parent process knows.
func Classify(err error) protocol.ErrorPayload {
	var (
		badResp   *catalog.BadResponseError
		malformed *catalog.MalformedBodyError
		parseErr  *protocol.ParseError
		reqErr    *protocol.RequestError
	)

	switch {
	case errors.As(err, &badResp):
		return protocol.NewBadResponse(badResp.Body, badResp.Status, badResp.URL)
	case errors.As(err, &parseErr):
		return protocol.NewInputFailure(protocol.KindJSONParseError, parseErr.Error(), parseErr.Input)
	case errors.As(err, &malformed):
		return protocol.NewInputFailure(protocol.KindJSONParseError, malformed.Err.Error(), malformed.Body)
	case errors.As(err, &reqErr):
		return protocol.NewInputFailure(protocol.KindInvalidRequest, reqErr.Message, reqErr.Input)
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.NewFailure(protocol.KindTimeout, err.Error())
	default:
		return protocol.NewFailure(protocol.KindUnknown, err.Error())
	}
}
