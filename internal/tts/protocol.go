package tts

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Header field values used by the binary synthesis protocol.
const (
	ProtocolVersion = 0b0001
	HeaderWords     = 0b0001

	MsgFullClientRequest = 0b0001
	MsgAudioOnlyResponse = 0b1011
	MsgError             = 0b1111

	SerializationNone = 0b0000
	SerializationJSON = 0b0001

	CompressionNone = 0b0000
)

// Audio frame flags; both "last" variants end the stream.
const (
	FlagNoSequence   = 0b0000
	FlagPositiveSeq  = 0b0001
	FlagLastNoSeq    = 0b0010
	FlagLastNegative = 0b0011
)

// ErrIncompleteFrame is returned for frames shorter than their declared size.
var ErrIncompleteFrame = errors.New("incomplete frame")

// Header is the 4-byte big-endian frame header. Reserved and Compression
// are carried as-is; the codec never interprets them.
type Header struct {
	Version       uint8 // bits 28-31
	Size          uint8 // bits 24-27, in 4-byte words
	MessageType   uint8 // bits 20-23
	Flags         uint8 // bits 16-19
	Serialization uint8 // bits 12-15
	Compression   uint8 // bits 8-11
	Reserved      uint8 // bits 0-7
}

// RequestHeader is the header of every client synthesis request.
func RequestHeader() Header {
	return Header{
		Version:       ProtocolVersion,
		Size:          HeaderWords,
		MessageType:   MsgFullClientRequest,
		Flags:         FlagNoSequence,
		Serialization: SerializationJSON,
		Compression:   CompressionNone,
	}
}

// Pack encodes h into its 32-bit form.
func (h Header) Pack() uint32 {
	return uint32(h.Version&0xF)<<28 |
		uint32(h.Size&0xF)<<24 |
		uint32(h.MessageType&0xF)<<20 |
		uint32(h.Flags&0xF)<<16 |
		uint32(h.Serialization&0xF)<<12 |
		uint32(h.Compression&0xF)<<8 |
		uint32(h.Reserved)
}

// UnpackHeader decodes a 32-bit header.
func UnpackHeader(v uint32) Header {
	return Header{
		Version:       uint8(v >> 28 & 0xF),
		Size:          uint8(v >> 24 & 0xF),
		MessageType:   uint8(v >> 20 & 0xF),
		Flags:         uint8(v >> 16 & 0xF),
		Serialization: uint8(v >> 12 & 0xF),
		Compression:   uint8(v >> 8 & 0xF),
		Reserved:      uint8(v),
	}
}

// SynthesisRequest is the JSON payload of a request frame.
type SynthesisRequest struct {
	App     AppInfo     `json:"app"`
	User    UserInfo    `json:"user"`
	Audio   AudioParams `json:"audio"`
	Request RequestInfo `json:"request"`
}

type AppInfo struct {
	AppID   string `json:"appid"`
	Token   string `json:"token"`
	Cluster string `json:"cluster"`
}

type UserInfo struct {
	UID string `json:"uid"`
}

type AudioParams struct {
	VoiceType string `json:"voice_type"`
	Encoding  string `json:"encoding"`
	Rate      int    `json:"rate"`
}

type RequestInfo struct {
	ReqID     string `json:"reqid"`
	Text      string `json:"text"`
	Operation string `json:"operation"`
}

// OperationSubmit requests streamed synthesis.
const OperationSubmit = "submit"

// Validate checks the fields the service rejects when missing.
func (r *SynthesisRequest) Validate() error {
	switch {
	case r.App.AppID == "":
		return errors.New("synthesis request: missing appid")
	case r.App.Token == "":
		return errors.New("synthesis request: missing token")
	case r.Audio.VoiceType == "":
		return errors.New("synthesis request: missing voice_type")
	case r.Request.ReqID == "":
		return errors.New("synthesis request: missing reqid")
	case strings.TrimSpace(r.Request.Text) == "":
		return errors.New("synthesis request: empty text")
	case r.Request.Operation == "":
		return errors.New("synthesis request: missing operation")
	}
	return nil
}

// EncodeRequest builds header + big-endian payload length + JSON payload.
func EncodeRequest(req *SynthesisRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}

	frame := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], RequestHeader().Pack())
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)
	return frame, nil
}

// FrameKind classifies a decoded server frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameAudio
	FrameError
)

// Frame is a decoded server frame.
type Frame struct {
	Header Header
	Kind   FrameKind

	Sequence int32
	Audio    []byte
	Last     bool

	ErrorCode    uint32
	ErrorMessage string
}

// Done reports whether the frame ends the response stream.
func (f *Frame) Done() bool {
	return f.Last || f.Kind == FrameError
}

// DecodeFrame parses one server frame. Truncated frames return
// ErrIncompleteFrame; unknown message types decode as FrameUnknown.
func DecodeFrame(msg []byte) (*Frame, error) {
	if len(msg) < 4 {
		return nil, fmt.Errorf("%w: %d byte header", ErrIncompleteFrame, len(msg))
	}
	f := &Frame{Header: UnpackHeader(binary.BigEndian.Uint32(msg[0:4]))}

	switch f.Header.MessageType {
	case MsgAudioOnlyResponse:
		if len(msg) < 12 {
			return nil, fmt.Errorf("%w: audio frame of %d bytes", ErrIncompleteFrame, len(msg))
		}
		size := uint64(binary.BigEndian.Uint32(msg[8:12]))
		if uint64(len(msg)-12) < size {
			return nil, fmt.Errorf("%w: expected %d audio bytes, got %d", ErrIncompleteFrame, size, len(msg)-12)
		}
		f.Kind = FrameAudio
		f.Sequence = int32(binary.BigEndian.Uint32(msg[4:8]))
		f.Audio = msg[12 : 12+size]
		f.Last = f.Header.Flags == FlagLastNoSeq || f.Header.Flags == FlagLastNegative

	case MsgError:
		if len(msg) < 12 {
			return nil, fmt.Errorf("%w: error frame of %d bytes", ErrIncompleteFrame, len(msg))
		}
		size := uint64(binary.BigEndian.Uint32(msg[8:12]))
		if uint64(len(msg)-12) < size {
			return nil, fmt.Errorf("%w: expected %d message bytes, got %d", ErrIncompleteFrame, size, len(msg)-12)
		}
		f.Kind = FrameError
		f.ErrorCode = binary.BigEndian.Uint32(msg[4:8])
		f.ErrorMessage = strings.ToValidUTF8(string(msg[12:12+size]), "�")

	default:
		f.Kind = FrameUnknown
	}
	return f, nil
}

// ServerError is a synthesis failure reported by an error frame.
type ServerError struct {
	Code    uint32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("synthesis server error %d: %s", e.Code, e.Message)
}
