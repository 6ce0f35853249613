package tunnel

import (
	"bytes"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Wire layout, one frame per WebSocket binary message:
//
//	byte 0      kind (1..7)
//	bytes 1..n  UTF-8 JSON header object
//	byte n+1    '\n'
//	rest        raw body bytes (request/response only, may be empty)
//
// Bodies ride as raw bytes rather than base64 inside the header; a PNG
// screenshot would otherwise pay 33% transport overhead.

const headerSeparator = '\n'

// Encode serializes f into a single wire message.
func Encode(f Frame) ([]byte, error) {
	var hdr any
	switch f.Kind {
	case KindRequest:
		hdr = f.Request
	case KindResponse:
		hdr = f.Response
	case KindPing:
		hdr = f.Ping
	case KindPong:
		hdr = f.Pong
	case KindHello:
		hdr = f.Hello
	case KindWelcome:
		hdr = f.Welcome
	case KindBye:
		hdr = f.Bye
	default:
		return nil, fmt.Errorf("encode: %w: %d", ErrUnknownKind, f.Kind)
	}
	if hdr == nil || isNilHeader(f) {
		return nil, fmt.Errorf("encode %s: %w: nil header", f.Kind, ErrBadHeader)
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Kind, err)
	}

	out := make([]byte, 0, 2+len(hdrJSON)+len(f.Body))
	out = append(out, byte(f.Kind))
	out = append(out, hdrJSON...)
	out = append(out, headerSeparator)
	out = append(out, f.Body...)
	return out, nil
}

func isNilHeader(f Frame) bool {
	switch f.Kind {
	case KindRequest:
		return f.Request == nil
	case KindResponse:
		return f.Response == nil
	case KindPing:
		return f.Ping == nil
	case KindPong:
		return f.Pong == nil
	case KindHello:
		return f.Hello == nil
	case KindWelcome:
		return f.Welcome == nil
	case KindBye:
		return f.Bye == nil
	}
	return true
}

// Decode parses one wire message. maxBody bounds the trailing body; anything
// larger is a protocol fault. All returned errors wrap ErrProtocol.
func Decode(data []byte, maxBody int64) (Frame, error) {
	if len(data) < 2 {
		return Frame{}, errors.Join(ErrProtocol, ErrUnexpectedEnd)
	}
	kind := Kind(data[0])
	if kind < KindRequest || kind > KindBye {
		return Frame{}, errors.Join(ErrProtocol, fmt.Errorf("%w: %d", ErrUnknownKind, data[0]))
	}

	sep := bytes.IndexByte(data[1:], headerSeparator)
	if sep < 0 {
		return Frame{}, errors.Join(ErrProtocol, ErrUnexpectedEnd)
	}
	hdrJSON := data[1 : 1+sep]
	body := data[2+sep:]
	if int64(len(body)) > maxBody {
		return Frame{}, errors.Join(ErrProtocol, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body)))
	}

	f := Frame{Kind: kind}
	var err error
	switch kind {
	case KindRequest:
		var h Request
		if err = json.Unmarshal(hdrJSON, &h); err == nil {
			if h.ID == "" {
				return Frame{}, errors.Join(ErrProtocol, ErrMissingID)
			}
			f.Request = &h
			f.Body = body
		}
	case KindResponse:
		var h Response
		if err = json.Unmarshal(hdrJSON, &h); err == nil {
			if h.ID == "" {
				return Frame{}, errors.Join(ErrProtocol, ErrMissingID)
			}
			f.Response = &h
			f.Body = body
		}
	case KindPing:
		var h Ping
		if err = json.Unmarshal(hdrJSON, &h); err == nil {
			f.Ping = &h
		}
	case KindPong:
		var h Ping
		if err = json.Unmarshal(hdrJSON, &h); err == nil {
			f.Pong = &h
		}
	case KindHello:
		var h Hello
		if err = json.Unmarshal(hdrJSON, &h); err == nil {
			f.Hello = &h
		}
	case KindWelcome:
		var h Welcome
		if err = json.Unmarshal(hdrJSON, &h); err == nil {
			f.Welcome = &h
		}
	case KindBye:
		var h Bye
		if err = json.Unmarshal(hdrJSON, &h); err == nil {
			f.Bye = &h
		}
	}
	if err != nil {
		return Frame{}, errors.Join(ErrProtocol, fmt.Errorf("%w: %v", ErrBadHeader, err))
	}
	return f, nil
}
