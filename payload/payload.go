// Package payload converts raw broker payloads into the text representation handed to consumers.
package payload

import (
	"encoding/base64"
	"unicode/utf8"

	"github.com/getlantern/topicstream/model"
)

// Encoder turns a raw payload into text. The returned format may differ from the preferred one when
// the payload can't be represented in it.
type Encoder interface {
	Encode(raw []byte, preferred model.DataFormat) (text string, actual model.DataFormat, err error)
}

// DefaultEncoder keeps valid UTF-8 payloads as text when JSON is preferred and falls back to base64
// BINARY for everything else.
type DefaultEncoder struct{}

func (DefaultEncoder) Encode(raw []byte, preferred model.DataFormat) (string, model.DataFormat, error) {
	switch preferred {
	case model.FormatJSON:
		if utf8.Valid(raw) {
			return string(raw), model.FormatJSON, nil
		}
		return base64.StdEncoding.EncodeToString(raw), model.FormatBinary, nil
	case model.FormatBinary:
		return base64.StdEncoding.EncodeToString(raw), model.FormatBinary, nil
	default:
		return "", preferred, model.ErrInvalidConfig.WithDescription("unsupported format " + preferred.String())
	}
}

// Decode reverses Encode, giving back the raw payload.
func Decode(text string, format model.DataFormat) ([]byte, error) {
	if format == model.FormatBinary {
		return base64.StdEncoding.DecodeString(text)
	}
	return []byte(text), nil
}
