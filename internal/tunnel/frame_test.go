package tunnel

import (
	"bytes"
	"errors"
	"testing"
)

const testMaxBody = 64 << 20

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"request", RequestFrame(Request{
			ID:      "r1",
			Method:  "GET",
			Path:    "/computer/display/dimensions",
			Query:   map[string]string{"width": "800"},
			Headers: map[string]string{"Accept": "application/json"},
		}, nil)},
		{"request with body", RequestFrame(Request{
			ID: "r2", Method: "POST", Path: "/computer/input/keyboard/type",
		}, []byte(`{"text":"hi"}`))},
		{"response", ResponseFrame("r1", 200,
			map[string]string{"Content-Type": "application/json"},
			[]byte(`{"width":1920,"height":1080}`))},
		{"binary body", ResponseFrame("r3", 200,
			map[string]string{"Content-Type": "image/png"},
			[]byte{0x89, 'P', 'N', 'G', 0, '\n', 0xff, '\n'})},
		{"ping", PingFrame(42)},
		{"pong", PongFrame(42)},
		{"hello", HelloFrame(Hello{
			Fingerprint:  "fp",
			Version:      "1.0.0",
			Capabilities: []string{"display", "keyboard", "mouse"},
			KeepaliveFor: "other-machine",
		})},
		{"welcome", WelcomeFrame(Welcome{SessionID: "s1", ServerTime: "2026-01-01T00:00:00Z"})},
		{"bye", ByeFrame(ByeProtocolError, "kind out of range")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data, testMaxBody)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Kind != tt.frame.Kind {
				t.Fatalf("kind = %v, want %v", got.Kind, tt.frame.Kind)
			}
			if !bytes.Equal(got.Body, tt.frame.Body) {
				t.Errorf("body = %q, want %q", got.Body, tt.frame.Body)
			}
			switch tt.frame.Kind {
			case KindRequest:
				if got.Request.ID != tt.frame.Request.ID ||
					got.Request.Method != tt.frame.Request.Method ||
					got.Request.Path != tt.frame.Request.Path {
					t.Errorf("request = %+v, want %+v", got.Request, tt.frame.Request)
				}
			case KindResponse:
				if got.Response.ID != tt.frame.Response.ID || got.Response.Status != tt.frame.Response.Status {
					t.Errorf("response = %+v, want %+v", got.Response, tt.frame.Response)
				}
			case KindPing:
				if got.Ping.Nonce != tt.frame.Ping.Nonce {
					t.Errorf("nonce = %d, want %d", got.Ping.Nonce, tt.frame.Ping.Nonce)
				}
			case KindHello:
				if got.Hello.Fingerprint != tt.frame.Hello.Fingerprint ||
					got.Hello.KeepaliveFor != tt.frame.Hello.KeepaliveFor ||
					len(got.Hello.Capabilities) != len(tt.frame.Hello.Capabilities) {
					t.Errorf("hello = %+v, want %+v", got.Hello, tt.frame.Hello)
				}
			case KindBye:
				if got.Bye.ReasonCode != tt.frame.Bye.ReasonCode {
					t.Errorf("bye = %+v, want %+v", got.Bye, tt.frame.Bye)
				}
			}
		})
	}
}

func TestDecodeFaults(t *testing.T) {
	valid, err := Encode(RequestFrame(Request{ID: "r1", Method: "GET", Path: "/x"}, []byte("body")))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrUnexpectedEnd},
		{"one byte", []byte{1}, ErrUnexpectedEnd},
		{"kind zero", append([]byte{0}, valid[1:]...), ErrUnknownKind},
		{"kind nine", append([]byte{9}, valid[1:]...), ErrUnknownKind},
		{"no separator", []byte{1, '{', '}'}, ErrUnexpectedEnd},
		{"garbage header", []byte{1, 'n', 'o', 'p', 'e', '\n'}, ErrBadHeader},
		{"missing id", []byte("\x01{\"method\":\"GET\",\"path\":\"/\"}\n"), ErrMissingID},
		{"missing response id", []byte("\x02{\"status\":200}\n"), ErrMissingID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data, testMaxBody)
			if err == nil {
				t.Fatal("want error, got nil")
			}
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("error %v does not wrap ErrProtocol", err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error %v does not wrap %v", err, tt.want)
			}
		})
	}
}

func TestDecodeBodyCap(t *testing.T) {
	big := make([]byte, 1024)
	data, err := Encode(ResponseFrame("r1", 200, nil, big))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data, 1023); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("1024-byte body over 1023 cap: err = %v, want ErrFrameTooLarge", err)
	}
	if _, err := Decode(data, 1024); err != nil {
		t.Errorf("1024-byte body at cap: err = %v, want nil", err)
	}
}

func TestEncodeRejectsNilHeader(t *testing.T) {
	if _, err := Encode(Frame{Kind: KindRequest}); err == nil {
		t.Error("want error for nil request header")
	}
	if _, err := Encode(Frame{Kind: Kind(12)}); err == nil {
		t.Error("want error for unknown kind")
	}
}

func TestBodyMayContainSeparators(t *testing.T) {
	body := []byte("line1\nline2\n\nline3")
	data, err := Encode(RequestFrame(Request{ID: "r1", Method: "POST", Path: "/x"}, body))
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data, testMaxBody)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Body, body) {
		t.Errorf("body = %q, want %q", got.Body, body)
	}
}
