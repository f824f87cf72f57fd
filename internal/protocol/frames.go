// Package protocol defines the tagged frame types multiplexed over a relay
// connection and their two canonical encodings: a compact binary form with
// integer discriminators and a JSON form for browser clients.
package protocol

import "github.com/google/uuid"

// MessageType classifies the ciphertext carried in a SendMessage frame.
type MessageType uint8

const (
	// MessageTypePrekey marks a first-contact message bundling an X3DH
	// initial message with the ciphertext.
	MessageTypePrekey MessageType = 1
	// MessageTypeNormal is a regular ratchet message.
	MessageTypeNormal MessageType = 2
	// MessageTypeReceipt is an encrypted delivery receipt.
	MessageTypeReceipt MessageType = 3
	// MessageTypeKeyUpdate notifies a peer of rotated keys.
	MessageTypeKeyUpdate MessageType = 4
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t >= MessageTypePrekey && t <= MessageTypeKeyUpdate
}

// ErrorCode identifies a relay-reported failure.
type ErrorCode uint16

const (
	ErrorInvalidMessage ErrorCode = 1000
	ErrorUnauthorized   ErrorCode = 1001
	ErrorUserNotFound   ErrorCode = 1002
	ErrorSessionExpired ErrorCode = 1003
	ErrorRateLimited    ErrorCode = 1004
	ErrorInternal       ErrorCode = 5000
)

// PrekeyBundleData is the published form of a prekey bundle.
type PrekeyBundleData struct {
	IdentityKey           []byte  `json:"identity_key"`
	SignedPrekey          []byte  `json:"signed_prekey"`
	SignedPrekeySignature []byte  `json:"signed_prekey_signature"`
	SignedPrekeyID        uint32  `json:"signed_prekey_id"`
	OneTimePrekey         []byte  `json:"one_time_prekey,omitempty"`
	OneTimePrekeyID       *uint32 `json:"one_time_prekey_id,omitempty"`
}

// OneTimePrekey is one pooled prekey in an upload batch.
type OneTimePrekey struct {
	ID  uint32 `json:"id"`
	Key []byte `json:"key"`
}

// ClientFrame is a client-to-relay frame. Concrete payload types implement
// the marker; the codec dispatches on them.
type ClientFrame interface {
	clientFrame()
}

// SendMessage carries an encrypted envelope to a recipient.
type SendMessage struct {
	RecipientID    uuid.UUID   `json:"recipient_id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Ciphertext     []byte      `json:"ciphertext"`
	MessageType    MessageType `json:"message_type"`
}

// GetPrekeyBundle requests a user's bundle for session initialization.
type GetPrekeyBundle struct {
	UserID uuid.UUID `json:"user_id"`
}

// UploadPrekeyBundle publishes the caller's signed prekey bundle.
type UploadPrekeyBundle struct {
	Bundle PrekeyBundleData `json:"bundle"`
}

// UploadOneTimePrekeys publishes a batch of one-time prekeys.
type UploadOneTimePrekeys struct {
	Prekeys []OneTimePrekey `json:"prekeys"`
}

// AckMessages marks messages as delivered.
type AckMessages struct {
	MessageIDs []uuid.UUID `json:"message_ids"`
}

// Ping keeps the connection alive.
type Ping struct{}

// SubscribePresence asks for presence of the listed users.
type SubscribePresence struct {
	UserIDs []uuid.UUID `json:"user_ids"`
}

// TypingStart signals the caller began typing in a conversation.
type TypingStart struct {
	RecipientID    uuid.UUID `json:"recipient_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

// TypingStop signals the caller stopped typing.
type TypingStop struct {
	RecipientID    uuid.UUID `json:"recipient_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

// AddReaction attaches an emoji reaction to a message.
type AddReaction struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Emoji          string    `json:"emoji"`
}

// RemoveReaction retracts a reaction.
type RemoveReaction struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Emoji          string    `json:"emoji"`
}

// MarkRead marks messages in a conversation as read.
type MarkRead struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	MessageIDs     []uuid.UUID `json:"message_ids"`
}

func (SendMessage) clientFrame()          {}
func (GetPrekeyBundle) clientFrame()      {}
func (UploadPrekeyBundle) clientFrame()   {}
func (UploadOneTimePrekeys) clientFrame() {}
func (AckMessages) clientFrame()          {}
func (Ping) clientFrame()                 {}
func (SubscribePresence) clientFrame()    {}
func (TypingStart) clientFrame()          {}
func (TypingStop) clientFrame()           {}
func (AddReaction) clientFrame()          {}
func (RemoveReaction) clientFrame()       {}
func (MarkRead) clientFrame()             {}

// ServerFrame is a relay-to-client frame.
type ServerFrame interface {
	serverFrame()
}

// Message delivers an encrypted envelope.
type Message struct {
	ID             uuid.UUID   `json:"id"`
	SenderID       uuid.UUID   `json:"sender_id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Ciphertext     []byte      `json:"ciphertext"`
	MessageType    MessageType `json:"message_type"`
	Timestamp      int64       `json:"timestamp"`
}

// PrekeyBundle answers GetPrekeyBundle; Bundle is nil for users who never
// published. A request for an unknown user is answered with an Error frame.
type PrekeyBundle struct {
	UserID uuid.UUID         `json:"user_id"`
	Bundle *PrekeyBundleData `json:"bundle,omitempty"`
}

// MessageSent confirms the relay committed the message.
type MessageSent struct {
	MessageID uuid.UUID `json:"message_id"`
}

// MessageDelivered relays a recipient's delivery ack to the sender.
type MessageDelivered struct {
	MessageID uuid.UUID `json:"message_id"`
}

// MessageRead relays a recipient's read mark to the sender.
type MessageRead struct {
	MessageID uuid.UUID `json:"message_id"`
}

// Pong answers Ping.
type Pong struct{}

// PresenceUpdate reports a user's online state.
type PresenceUpdate struct {
	UserID uuid.UUID `json:"user_id"`
	Online bool      `json:"online"`
}

// TypingIndicator relays a typing state change.
type TypingIndicator struct {
	UserID         uuid.UUID `json:"user_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	IsTyping       bool      `json:"is_typing"`
}

// ReactionAdded relays a reaction.
type ReactionAdded struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Emoji          string    `json:"emoji"`
}

// ReactionRemoved relays a reaction retraction.
type ReactionRemoved struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Emoji          string    `json:"emoji"`
}

// Error reports a relay-side failure; the connection stays open.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// LowPrekeys warns the bundle owner that the pool is running out.
type LowPrekeys struct {
	Remaining uint32 `json:"remaining"`
}

func (Message) serverFrame()          {}
func (PrekeyBundle) serverFrame()     {}
func (MessageSent) serverFrame()      {}
func (MessageDelivered) serverFrame() {}
func (MessageRead) serverFrame()      {}
func (Pong) serverFrame()             {}
func (PresenceUpdate) serverFrame()   {}
func (TypingIndicator) serverFrame()  {}
func (ReactionAdded) serverFrame()    {}
func (ReactionRemoved) serverFrame()  {}
func (Error) serverFrame()            {}
func (LowPrekeys) serverFrame()       {}
