package tts

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
)

func audioFrame(flags uint8, seq int32, payload []byte) []byte {
	h := Header{Version: 1, Size: 1, MessageType: MsgAudioOnlyResponse, Flags: flags}
	msg := make([]byte, 12+len(payload))
	binary.BigEndian.PutUint32(msg[0:4], h.Pack())
	binary.BigEndian.PutUint32(msg[4:8], uint32(seq))
	binary.BigEndian.PutUint32(msg[8:12], uint32(len(payload)))
	copy(msg[12:], payload)
	return msg
}

func errorFrame(code uint32, message string) []byte {
	h := Header{Version: 1, Size: 1, MessageType: MsgError, Serialization: SerializationJSON}
	msg := make([]byte, 12+len(message))
	binary.BigEndian.PutUint32(msg[0:4], h.Pack())
	binary.BigEndian.PutUint32(msg[4:8], code)
	binary.BigEndian.PutUint32(msg[8:12], uint32(len(message)))
	copy(msg[12:], message)
	return msg
}

func TestRequestHeaderValue(t *testing.T) {
	expected := uint32(1<<28 | 1<<24 | 1<<20 | 0<<16 | 1<<12 | 0<<8 | 0)
	if got := RequestHeader().Pack(); got != expected {
		t.Errorf("Expected header 0x%08x, got 0x%08x", expected, got)
	}
}

func TestHeaderRoundTripKeepsOpaqueBits(t *testing.T) {
	h := Header{Version: 1, Size: 1, MessageType: MsgAudioOnlyResponse, Flags: 3, Serialization: 0, Compression: 0b0101, Reserved: 0xAB}
	got := UnpackHeader(h.Pack())
	if got != h {
		t.Errorf("Expected %+v, got %+v", h, got)
	}
}

func TestEncodeRequest(t *testing.T) {
	req := &SynthesisRequest{
		App:     AppInfo{AppID: "app", Token: "tok", Cluster: "volcano_tts"},
		User:    UserInfo{UID: "user"},
		Audio:   AudioParams{VoiceType: "voice", Encoding: "mp3", Rate: 16000},
		Request: RequestInfo{ReqID: "id-1", Text: "你好", Operation: OperationSubmit},
	}
	frame, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}

	if h := binary.BigEndian.Uint32(frame[0:4]); h != RequestHeader().Pack() {
		t.Errorf("Unexpected header 0x%08x", h)
	}
	size := binary.BigEndian.Uint32(frame[4:8])
	if int(size) != len(frame)-8 {
		t.Fatalf("Expected payload length %d, got %d", len(frame)-8, size)
	}

	var decoded map[string]map[string]any
	if err := json.Unmarshal(frame[8:], &decoded); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	if decoded["app"]["appid"] != "app" || decoded["request"]["text"] != "你好" || decoded["request"]["operation"] != "submit" {
		t.Errorf("Unexpected payload: %s", frame[8:])
	}
	if decoded["audio"]["rate"] != float64(16000) || decoded["audio"]["encoding"] != "mp3" {
		t.Errorf("Unexpected audio params: %v", decoded["audio"])
	}
}

func TestEncodeRequestValidation(t *testing.T) {
	req := &SynthesisRequest{
		App:     AppInfo{AppID: "app"},
		Audio:   AudioParams{VoiceType: "voice"},
		Request: RequestInfo{ReqID: "id", Text: "hi", Operation: OperationSubmit},
	}
	if _, err := EncodeRequest(req); err == nil {
		t.Error("Expected error for missing token")
	}

	req.App.Token = "tok"
	req.Request.Text = "  "
	if _, err := EncodeRequest(req); err == nil {
		t.Error("Expected error for blank text")
	}
}

func TestDecodeAudioFrame(t *testing.T) {
	tests := []struct {
		name  string
		flags uint8
		last  bool
	}{
		{"no sequence", FlagNoSequence, false},
		{"positive sequence", FlagPositiveSeq, false},
		{"last without sequence", FlagLastNoSeq, true},
		{"last negative sequence", FlagLastNegative, true},
	}
	payload := []byte{0xFF, 0xFB, 0x90, 0x00, 0x01}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame(audioFrame(tt.flags, 4, payload))
			if err != nil {
				t.Fatalf("DecodeFrame failed: %v", err)
			}
			if f.Kind != FrameAudio {
				t.Fatalf("Expected audio frame, got %d", f.Kind)
			}
			if string(f.Audio) != string(payload) {
				t.Errorf("Expected %d audio bytes, got %v", len(payload), f.Audio)
			}
			if f.Last != tt.last || f.Done() != tt.last {
				t.Errorf("Expected last=%v, got %v", tt.last, f.Last)
			}
		})
	}
}

func TestDecodeAudioFrameIgnoresTrailingBytes(t *testing.T) {
	msg := append(audioFrame(FlagPositiveSeq, 1, []byte{1, 2}), 9, 9)
	f, err := DecodeFrame(msg)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if len(f.Audio) != 2 {
		t.Errorf("Expected 2 audio bytes, got %d", len(f.Audio))
	}
}

func TestDecodeIncompleteFrames(t *testing.T) {
	full := audioFrame(FlagLastNoSeq, -1, []byte("abcdefgh"))
	for n := 0; n < len(full); n++ {
		if _, err := DecodeFrame(full[:n]); !errors.Is(err, ErrIncompleteFrame) {
			t.Errorf("Length %d: expected ErrIncompleteFrame, got %v", n, err)
		}
	}

	errFull := errorFrame(3001, "invalid")
	if _, err := DecodeFrame(errFull[:11]); !errors.Is(err, ErrIncompleteFrame) {
		t.Errorf("Expected short error frame to be incomplete, got %v", err)
	}
	if _, err := DecodeFrame(errFull[:14]); !errors.Is(err, ErrIncompleteFrame) {
		t.Errorf("Expected truncated error message to be incomplete, got %v", err)
	}
}

func TestDecodeHugeDeclaredSize(t *testing.T) {
	msg := audioFrame(FlagNoSequence, 1, nil)
	binary.BigEndian.PutUint32(msg[8:12], 0xFFFFFFFF)
	if _, err := DecodeFrame(msg); !errors.Is(err, ErrIncompleteFrame) {
		t.Errorf("Expected ErrIncompleteFrame, got %v", err)
	}
}

func TestDecodeErrorFrame(t *testing.T) {
	f, err := DecodeFrame(errorFrame(3050, "音色不存在"))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if f.Kind != FrameError || !f.Done() {
		t.Fatalf("Expected terminal error frame, got kind %d", f.Kind)
	}
	if f.ErrorCode != 3050 || f.ErrorMessage != "音色不存在" {
		t.Errorf("Expected code 3050 and message, got %d %q", f.ErrorCode, f.ErrorMessage)
	}
}

func TestDecodeUnknownFrame(t *testing.T) {
	h := Header{Version: 1, Size: 1, MessageType: 0b1001}
	msg := make([]byte, 4)
	binary.BigEndian.PutUint32(msg, h.Pack())

	f, err := DecodeFrame(msg)
	if err != nil {
		t.Fatalf("Expected unknown frame to decode, got %v", err)
	}
	if f.Kind != FrameUnknown || f.Done() {
		t.Errorf("Expected ignorable unknown frame, got kind %d", f.Kind)
	}
}
