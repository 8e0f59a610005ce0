package adamboot

import (
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrMalformedResponse is returned when httpCallback's result is not a
// (str header, binary body) pair.
var ErrMalformedResponse = errors.New("malformed http response")

// ResponseSender is the part of Host the dispatcher needs.
type ResponseSender interface {
	SendResponseAsIs(id RequestID, header, body []byte) error
}

// ResponseDispatcher hands httpCallback results to the host.
type ResponseDispatcher struct {
	sender ResponseSender
	logger zerolog.Logger
}

func NewResponseDispatcher(sender ResponseSender) *ResponseDispatcher {
	return &ResponseDispatcher{
		sender: sender,
		logger: log.With().Str("component", "response").Logger(),
	}
}

// Dispatch takes ownership of ref, submits it as the answer to id and
// releases it. Failures are logged and returned; nothing is retried.
func (d *ResponseDispatcher) Dispatch(id RequestID, ref *Ref) error {
	defer ref.Release()

	header, body, err := splitResponse(ref.Value())
	if err != nil {
		d.logger.Error().Err(err).Uint64("request", uint64(id)).Msg("not answering request")
		return err
	}

	err = d.sender.SendResponseAsIs(id, header, body)
	ref.Release()
	if err != nil {
		d.logger.Error().Err(err).Uint64("request", uint64(id)).Msg("host rejected response")
		return errors.Wrapf(err, "sending response %d", id)
	}
	d.logger.Debug().Uint64("request", uint64(id)).Int("header_bytes", len(header)).Int("body_bytes", len(body)).Msg("response sent")
	return nil
}

func splitResponse(v interface{}) (header, body []byte, err error) {
	pair, ok := v.([]interface{})
	if !ok {
		return nil, nil, errors.Wrapf(ErrMalformedResponse, "expected a (header, body) pair, got %T", v)
	}
	if len(pair) != 2 {
		return nil, nil, errors.Wrapf(ErrMalformedResponse, "expected 2 elements, got %d", len(pair))
	}

	h, ok := pair[0].(string)
	if !ok {
		return nil, nil, errors.Wrapf(ErrMalformedResponse, "header is %T, not str", pair[0])
	}
	if !utf8.ValidString(h) {
		return nil, nil, errors.Wrap(ErrMalformedResponse, "header is not valid UTF-8")
	}

	b, ok := pair[1].([]byte)
	if !ok {
		return nil, nil, errors.Wrapf(ErrMalformedResponse, "body is %T, not binary", pair[1])
	}
	return []byte(h), b, nil
}
