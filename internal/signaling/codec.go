package signaling

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dalbodeule/hop-call/internal/rtc"
)

// 시그널링 본문 Content-Type.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// maxMessageBytes 는 한 메시지(SDP 포함)의 상한입니다. 브라우저 SDP 도 수 KiB 수준입니다.
const maxMessageBytes = 64 * 1024

// protobuf 필드 번호.
//
//	message SessionDescription {
//	  string type       = 1;
//	  string sdp        = 2;
//	  string session_id = 3;
//	}
const (
	fieldType      protowire.Number = 1
	fieldSDP       protowire.Number = 2
	fieldSessionID protowire.Number = 3
)

// WireCodec 는 Message 의 직렬화/역직렬화를 추상화합니다.
type WireCodec interface {
	Encode(w io.Writer, msg *Message) error
	Decode(r io.Reader, msg *Message) error
	ContentType() string
}

// jsonCodec 은 기본 JSON 본문 codec 입니다.
type jsonCodec struct{}

func (jsonCodec) ContentType() string { return ContentTypeJSON }

// Encode 는 Message 를 JSON 으로 기록합니다.
func (jsonCodec) Encode(w io.Writer, msg *Message) error {
	return json.NewEncoder(w).Encode(msg)
}

// Decode 는 JSON 본문을 최대 maxMessageBytes 까지 읽어 Message 로 디코딩합니다.
func (jsonCodec) Decode(r io.Reader, msg *Message) error {
	dec := json.NewDecoder(io.LimitReader(r, maxMessageBytes))
	if err := dec.Decode(msg); err != nil {
		return fmt.Errorf("json codec: decode message: %w", err)
	}
	return nil
}

// protobufCodec 은 Protobuf + length-prefix framing 기반 codec 입니다.
// 한 메시지당 [4바이트 big-endian 길이] + [protobuf bytes] 를 한 번의 Write 로 기록합니다.
type protobufCodec struct{}

func (protobufCodec) ContentType() string { return ContentTypeProtobuf }

// Encode encodes a Message as a single length-prefixed protobuf frame.
func (protobufCodec) Encode(w io.Writer, msg *Message) error {
	var body []byte
	body = appendStringField(body, fieldType, string(msg.Type))
	body = appendStringField(body, fieldSDP, msg.SDP)
	body = appendStringField(body, fieldSessionID, msg.SessionID)
	if len(body) == 0 {
		return fmt.Errorf("protobuf codec: empty message")
	}
	if len(body) > maxMessageBytes {
		return fmt.Errorf("protobuf codec: message too large: %d bytes (max %d)", len(body), maxMessageBytes)
	}

	frame := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("protobuf codec: write frame: %w", err)
	}
	return nil
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Decode reads one length-prefixed protobuf frame into msg. Unknown fields are skipped.
func (protobufCodec) Decode(r io.Reader, msg *Message) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("protobuf codec: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return fmt.Errorf("protobuf codec: zero-length message")
	}
	if n > maxMessageBytes {
		return fmt.Errorf("protobuf codec: message too large: %d bytes (max %d)", n, maxMessageBytes)
	}
	buf := make([]byte, int(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("protobuf codec: read payload: %w", err)
	}

	*msg = Message{}
	for len(buf) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(buf)
		if tagLen < 0 {
			return fmt.Errorf("protobuf codec: %w", protowire.ParseError(tagLen))
		}
		buf = buf[tagLen:]

		if typ != protowire.BytesType {
			skip := protowire.ConsumeFieldValue(num, typ, buf)
			if skip < 0 {
				return fmt.Errorf("protobuf codec: %w", protowire.ParseError(skip))
			}
			buf = buf[skip:]
			continue
		}
		v, valLen := protowire.ConsumeString(buf)
		if valLen < 0 {
			return fmt.Errorf("protobuf codec: %w", protowire.ParseError(valLen))
		}
		buf = buf[valLen:]

		switch num {
		case fieldType:
			msg.Type = rtc.SDPType(v)
		case fieldSDP:
			msg.SDP = v
		case fieldSessionID:
			msg.SessionID = v
		}
	}
	return nil
}

// DefaultCodec 은 Content-Type 이 없거나 알 수 없을 때 사용하는 codec 입니다.
var DefaultCodec WireCodec = jsonCodec{}

// CodecForContentType 은 Content-Type/Accept 헤더 값에 맞는 codec 을 고릅니다.
func CodecForContentType(contentType string) WireCodec {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return DefaultCodec
	}
	if mediaType == ContentTypeProtobuf {
		return protobufCodec{}
	}
	return DefaultCodec
}
