package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Codec errors; match with errors.Is.
var (
	ErrSerialization   = errors.New("frame serialization failed")
	ErrDeserialization = errors.New("frame deserialization failed")
	ErrUnknownTag      = errors.New("unknown frame tag")
)

// Binary discriminators, client frames.
const (
	tagSendMessage byte = iota + 1
	tagGetPrekeyBundle
	tagUploadPrekeyBundle
	tagUploadOneTimePrekeys
	tagAckMessages
	tagPing
	tagSubscribePresence
	tagTypingStart
	tagTypingStop
	tagAddReaction
	tagRemoveReaction
	tagMarkRead
)

// Binary discriminators, server frames.
const (
	tagMessage byte = iota + 1
	tagPrekeyBundle
	tagMessageSent
	tagMessageDelivered
	tagMessageRead
	tagPong
	tagPresenceUpdate
	tagTypingIndicator
	tagReactionAdded
	tagReactionRemoved
	tagError
	tagLowPrekeys
)

// EncodeClientFrame serializes a client frame to the compact binary form:
// tag byte followed by the payload fields in declared order.
func EncodeClientFrame(frame ClientFrame) ([]byte, error) {
	w := &frameWriter{}
	switch f := frame.(type) {
	case SendMessage:
		w.u8(tagSendMessage)
		w.uuid(f.RecipientID)
		w.uuid(f.ConversationID)
		w.bytes(f.Ciphertext)
		w.u8(byte(f.MessageType))
	case GetPrekeyBundle:
		w.u8(tagGetPrekeyBundle)
		w.uuid(f.UserID)
	case UploadPrekeyBundle:
		w.u8(tagUploadPrekeyBundle)
		w.bundle(&f.Bundle)
	case UploadOneTimePrekeys:
		w.u8(tagUploadOneTimePrekeys)
		w.u16(uint16(len(f.Prekeys)))
		for _, pk := range f.Prekeys {
			w.u32(pk.ID)
			w.bytes(pk.Key)
		}
	case AckMessages:
		w.u8(tagAckMessages)
		w.uuids(f.MessageIDs)
	case Ping:
		w.u8(tagPing)
	case SubscribePresence:
		w.u8(tagSubscribePresence)
		w.uuids(f.UserIDs)
	case TypingStart:
		w.u8(tagTypingStart)
		w.uuid(f.RecipientID)
		w.uuid(f.ConversationID)
	case TypingStop:
		w.u8(tagTypingStop)
		w.uuid(f.RecipientID)
		w.uuid(f.ConversationID)
	case AddReaction:
		w.u8(tagAddReaction)
		w.uuid(f.MessageID)
		w.uuid(f.ConversationID)
		w.str(f.Emoji)
	case RemoveReaction:
		w.u8(tagRemoveReaction)
		w.uuid(f.MessageID)
		w.uuid(f.ConversationID)
		w.str(f.Emoji)
	case MarkRead:
		w.u8(tagMarkRead)
		w.uuid(f.ConversationID)
		w.uuids(f.MessageIDs)
	default:
		return nil, fmt.Errorf("%w: %T", ErrSerialization, frame)
	}
	return w.buf, nil
}

// DecodeClientFrame parses the compact binary form.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	r := &frameReader{buf: data}
	tag := r.u8()
	var frame ClientFrame
	switch tag {
	case tagSendMessage:
		frame = SendMessage{
			RecipientID:    r.uuid(),
			ConversationID: r.uuid(),
			Ciphertext:     r.bytes(),
			MessageType:    MessageType(r.u8()),
		}
	case tagGetPrekeyBundle:
		frame = GetPrekeyBundle{UserID: r.uuid()}
	case tagUploadPrekeyBundle:
		frame = UploadPrekeyBundle{Bundle: r.bundle()}
	case tagUploadOneTimePrekeys:
		n := int(r.u16())
		prekeys := make([]OneTimePrekey, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			prekeys = append(prekeys, OneTimePrekey{ID: r.u32(), Key: r.bytes()})
		}
		frame = UploadOneTimePrekeys{Prekeys: prekeys}
	case tagAckMessages:
		frame = AckMessages{MessageIDs: r.uuids()}
	case tagPing:
		frame = Ping{}
	case tagSubscribePresence:
		frame = SubscribePresence{UserIDs: r.uuids()}
	case tagTypingStart:
		frame = TypingStart{RecipientID: r.uuid(), ConversationID: r.uuid()}
	case tagTypingStop:
		frame = TypingStop{RecipientID: r.uuid(), ConversationID: r.uuid()}
	case tagAddReaction:
		frame = AddReaction{MessageID: r.uuid(), ConversationID: r.uuid(), Emoji: r.str()}
	case tagRemoveReaction:
		frame = RemoveReaction{MessageID: r.uuid(), ConversationID: r.uuid(), Emoji: r.str()}
	case tagMarkRead:
		frame = MarkRead{ConversationID: r.uuid(), MessageIDs: r.uuids()}
	default:
		if r.err != nil {
			return nil, r.err
		}
		return nil, fmt.Errorf("%w: client tag %d", ErrUnknownTag, tag)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return frame, nil
}

// EncodeServerFrame serializes a server frame to the compact binary form.
func EncodeServerFrame(frame ServerFrame) ([]byte, error) {
	w := &frameWriter{}
	switch f := frame.(type) {
	case Message:
		w.u8(tagMessage)
		w.uuid(f.ID)
		w.uuid(f.SenderID)
		w.uuid(f.ConversationID)
		w.bytes(f.Ciphertext)
		w.u8(byte(f.MessageType))
		w.i64(f.Timestamp)
	case PrekeyBundle:
		w.u8(tagPrekeyBundle)
		w.uuid(f.UserID)
		if f.Bundle != nil {
			w.u8(1)
			w.bundle(f.Bundle)
		} else {
			w.u8(0)
		}
	case MessageSent:
		w.u8(tagMessageSent)
		w.uuid(f.MessageID)
	case MessageDelivered:
		w.u8(tagMessageDelivered)
		w.uuid(f.MessageID)
	case MessageRead:
		w.u8(tagMessageRead)
		w.uuid(f.MessageID)
	case Pong:
		w.u8(tagPong)
	case PresenceUpdate:
		w.u8(tagPresenceUpdate)
		w.uuid(f.UserID)
		w.bool(f.Online)
	case TypingIndicator:
		w.u8(tagTypingIndicator)
		w.uuid(f.UserID)
		w.uuid(f.ConversationID)
		w.bool(f.IsTyping)
	case ReactionAdded:
		w.u8(tagReactionAdded)
		w.uuid(f.MessageID)
		w.uuid(f.ConversationID)
		w.uuid(f.UserID)
		w.str(f.Emoji)
	case ReactionRemoved:
		w.u8(tagReactionRemoved)
		w.uuid(f.MessageID)
		w.uuid(f.ConversationID)
		w.uuid(f.UserID)
		w.str(f.Emoji)
	case Error:
		w.u8(tagError)
		w.u16(uint16(f.Code))
		w.str(f.Message)
	case LowPrekeys:
		w.u8(tagLowPrekeys)
		w.u32(f.Remaining)
	default:
		return nil, fmt.Errorf("%w: %T", ErrSerialization, frame)
	}
	return w.buf, nil
}

// DecodeServerFrame parses the compact binary form.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	r := &frameReader{buf: data}
	tag := r.u8()
	var frame ServerFrame
	switch tag {
	case tagMessage:
		frame = Message{
			ID:             r.uuid(),
			SenderID:       r.uuid(),
			ConversationID: r.uuid(),
			Ciphertext:     r.bytes(),
			MessageType:    MessageType(r.u8()),
			Timestamp:      r.i64(),
		}
	case tagPrekeyBundle:
		f := PrekeyBundle{UserID: r.uuid()}
		if r.u8() == 1 {
			bundle := r.bundle()
			f.Bundle = &bundle
		}
		frame = f
	case tagMessageSent:
		frame = MessageSent{MessageID: r.uuid()}
	case tagMessageDelivered:
		frame = MessageDelivered{MessageID: r.uuid()}
	case tagMessageRead:
		frame = MessageRead{MessageID: r.uuid()}
	case tagPong:
		frame = Pong{}
	case tagPresenceUpdate:
		frame = PresenceUpdate{UserID: r.uuid(), Online: r.bool()}
	case tagTypingIndicator:
		frame = TypingIndicator{UserID: r.uuid(), ConversationID: r.uuid(), IsTyping: r.bool()}
	case tagReactionAdded:
		frame = ReactionAdded{MessageID: r.uuid(), ConversationID: r.uuid(), UserID: r.uuid(), Emoji: r.str()}
	case tagReactionRemoved:
		frame = ReactionRemoved{MessageID: r.uuid(), ConversationID: r.uuid(), UserID: r.uuid(), Emoji: r.str()}
	case tagError:
		frame = Error{Code: ErrorCode(r.u16()), Message: r.str()}
	case tagLowPrekeys:
		frame = LowPrekeys{Remaining: r.u32()}
	default:
		if r.err != nil {
			return nil, r.err
		}
		return nil, fmt.Errorf("%w: server tag %d", ErrUnknownTag, tag)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return frame, nil
}

// jsonEnvelope is the text-encoding wrapper: {"type": tag, "payload": {...}}.
type jsonEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeClientFrameJSON serializes a client frame to the text encoding.
func EncodeClientFrameJSON(frame ClientFrame) ([]byte, error) {
	name, ok := clientFrameName(frame)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrSerialization, frame)
	}
	return encodeJSONEnvelope(name, frame)
}

// DecodeClientFrameJSON parses the text encoding.
func DecodeClientFrameJSON(data []byte) (ClientFrame, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	var frame ClientFrame
	switch env.Type {
	case "SendMessage":
		frame = &SendMessage{}
	case "GetPrekeyBundle":
		frame = &GetPrekeyBundle{}
	case "UploadPrekeyBundle":
		frame = &UploadPrekeyBundle{}
	case "UploadOneTimePrekeys":
		frame = &UploadOneTimePrekeys{}
	case "AckMessages":
		frame = &AckMessages{}
	case "Ping":
		return Ping{}, nil
	case "SubscribePresence":
		frame = &SubscribePresence{}
	case "TypingStart":
		frame = &TypingStart{}
	case "TypingStop":
		frame = &TypingStop{}
	case "AddReaction":
		frame = &AddReaction{}
	case "RemoveReaction":
		frame = &RemoveReaction{}
	case "MarkRead":
		frame = &MarkRead{}
	default:
		return nil, fmt.Errorf("%w: client tag %q", ErrUnknownTag, env.Type)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
		}
	}
	return deref(frame).(ClientFrame), nil
}

// EncodeServerFrameJSON serializes a server frame to the text encoding.
func EncodeServerFrameJSON(frame ServerFrame) ([]byte, error) {
	name, ok := serverFrameName(frame)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrSerialization, frame)
	}
	return encodeJSONEnvelope(name, frame)
}

// DecodeServerFrameJSON parses the text encoding.
func DecodeServerFrameJSON(data []byte) (ServerFrame, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	var frame ServerFrame
	switch env.Type {
	case "Message":
		frame = &Message{}
	case "PrekeyBundle":
		frame = &PrekeyBundle{}
	case "MessageSent":
		frame = &MessageSent{}
	case "MessageDelivered":
		frame = &MessageDelivered{}
	case "MessageRead":
		frame = &MessageRead{}
	case "Pong":
		return Pong{}, nil
	case "PresenceUpdate":
		frame = &PresenceUpdate{}
	case "TypingIndicator":
		frame = &TypingIndicator{}
	case "ReactionAdded":
		frame = &ReactionAdded{}
	case "ReactionRemoved":
		frame = &ReactionRemoved{}
	case "Error":
		frame = &Error{}
	case "LowPrekeys":
		frame = &LowPrekeys{}
	default:
		return nil, fmt.Errorf("%w: server tag %q", ErrUnknownTag, env.Type)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
		}
	}
	return deref(frame).(ServerFrame), nil
}

// DecodeClientFrameAuto picks the encoding the way the relay does: a frame
// that begins with '{' and is valid UTF-8 is text, everything else binary.
func DecodeClientFrameAuto(data []byte) (ClientFrame, error) {
	if isTextFrame(data) {
		return DecodeClientFrameJSON(data)
	}
	return DecodeClientFrame(data)
}

// DecodeServerFrameAuto is the client-side counterpart of
// DecodeClientFrameAuto.
func DecodeServerFrameAuto(data []byte) (ServerFrame, error) {
	if isTextFrame(data) {
		return DecodeServerFrameJSON(data)
	}
	return DecodeServerFrame(data)
}

func isTextFrame(data []byte) bool {
	return len(data) > 0 && data[0] == '{' && utf8.Valid(data)
}

func encodeJSONEnvelope(name string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	env := jsonEnvelope{Type: name}
	if string(raw) != "{}" {
		env.Payload = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return out, nil
}

func clientFrameName(frame ClientFrame) (string, bool) {
	switch frame.(type) {
	case SendMessage:
		return "SendMessage", true
	case GetPrekeyBundle:
		return "GetPrekeyBundle", true
	case UploadPrekeyBundle:
		return "UploadPrekeyBundle", true
	case UploadOneTimePrekeys:
		return "UploadOneTimePrekeys", true
	case AckMessages:
		return "AckMessages", true
	case Ping:
		return "Ping", true
	case SubscribePresence:
		return "SubscribePresence", true
	case TypingStart:
		return "TypingStart", true
	case TypingStop:
		return "TypingStop", true
	case AddReaction:
		return "AddReaction", true
	case RemoveReaction:
		return "RemoveReaction", true
	case MarkRead:
		return "MarkRead", true
	}
	return "", false
}

func serverFrameName(frame ServerFrame) (string, bool) {
	switch frame.(type) {
	case Message:
		return "Message", true
	case PrekeyBundle:
		return "PrekeyBundle", true
	case MessageSent:
		return "MessageSent", true
	case MessageDelivered:
		return "MessageDelivered", true
	case MessageRead:
		return "MessageRead", true
	case Pong:
		return "Pong", true
	case PresenceUpdate:
		return "PresenceUpdate", true
	case TypingIndicator:
		return "TypingIndicator", true
	case ReactionAdded:
		return "ReactionAdded", true
	case ReactionRemoved:
		return "ReactionRemoved", true
	case Error:
		return "Error", true
	case LowPrekeys:
		return "LowPrekeys", true
	}
	return "", false
}

// deref unwraps the pointer the JSON decoders allocate so both encodings
// hand back the same value shapes.
func deref(frame interface{}) interface{} {
	switch f := frame.(type) {
	case *SendMessage:
		return *f
	case *GetPrekeyBundle:
		return *f
	case *UploadPrekeyBundle:
		return *f
	case *UploadOneTimePrekeys:
		return *f
	case *AckMessages:
		return *f
	case *SubscribePresence:
		return *f
	case *TypingStart:
		return *f
	case *TypingStop:
		return *f
	case *AddReaction:
		return *f
	case *RemoveReaction:
		return *f
	case *MarkRead:
		return *f
	case *Message:
		return *f
	case *PrekeyBundle:
		return *f
	case *MessageSent:
		return *f
	case *MessageDelivered:
		return *f
	case *MessageRead:
		return *f
	case *PresenceUpdate:
		return *f
	case *TypingIndicator:
		return *f
	case *ReactionAdded:
		return *f
	case *ReactionRemoved:
		return *f
	case *Error:
		return *f
	case *LowPrekeys:
		return *f
	}
	return frame
}

// frameWriter appends binary fields to a growing buffer.
type frameWriter struct {
	buf []byte
}

func (w *frameWriter) u8(v byte) {
	w.buf = append(w.buf, v)
}

func (w *frameWriter) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *frameWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *frameWriter) i64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
}

func (w *frameWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *frameWriter) uuid(id uuid.UUID) {
	w.buf = append(w.buf, id[:]...)
}

func (w *frameWriter) uuids(ids []uuid.UUID) {
	w.u16(uint16(len(ids)))
	for _, id := range ids {
		w.uuid(id)
	}
}

func (w *frameWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *frameWriter) str(s string) {
	w.bytes([]byte(s))
}

func (w *frameWriter) bundle(b *PrekeyBundleData) {
	w.bytes(b.IdentityKey)
	w.bytes(b.SignedPrekey)
	w.bytes(b.SignedPrekeySignature)
	w.u32(b.SignedPrekeyID)
	if b.OneTimePrekey != nil && b.OneTimePrekeyID != nil {
		w.u8(1)
		w.bytes(b.OneTimePrekey)
		w.u32(*b.OneTimePrekeyID)
	} else {
		w.u8(0)
	}
}

// frameReader walks a binary frame with bounds checks; the first failure
// sticks and poisons all later reads.
type frameReader struct {
	buf []byte
	off int
	err error
}

func (r *frameReader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("%w: frame truncated", ErrDeserialization)
	}
}

func (r *frameReader) u8() byte {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail()
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *frameReader) u16() uint16 {
	if r.err != nil || r.off+2 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *frameReader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *frameReader) i64() int64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return int64(v)
}

func (r *frameReader) bool() bool {
	return r.u8() == 1
}

func (r *frameReader) uuid() uuid.UUID {
	var id uuid.UUID
	if r.err != nil || r.off+16 > len(r.buf) {
		r.fail()
		return id
	}
	copy(id[:], r.buf[r.off:r.off+16])
	r.off += 16
	return id
}

func (r *frameReader) uuids() []uuid.UUID {
	n := int(r.u16())
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		ids = append(ids, r.uuid())
	}
	return ids
}

func (r *frameReader) bytes() []byte {
	n := int(r.u32())
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out
}

func (r *frameReader) str() string {
	return string(r.bytes())
}

func (r *frameReader) bundle() PrekeyBundleData {
	b := PrekeyBundleData{
		IdentityKey:           r.bytes(),
		SignedPrekey:          r.bytes(),
		SignedPrekeySignature: r.bytes(),
		SignedPrekeyID:        r.u32(),
	}
	if r.u8() == 1 {
		b.OneTimePrekey = r.bytes()
		id := r.u32()
		b.OneTimePrekeyID = &id
	}
	return b
}

func (r *frameReader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrDeserialization, len(r.buf)-r.off)
	}
	return nil
}
