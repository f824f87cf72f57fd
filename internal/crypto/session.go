package crypto

import (
	"encoding/binary"
	"fmt"
)

const sessionStateVersion = 1

// Envelope is the on-wire unit of an encrypted message: the ratchet header
// plus the AEAD output it authenticates.
type Envelope struct {
	Header     MessageHeader
	Ciphertext []byte
}

// Encode serializes as u32 LE len(header) || header || u32 LE len(aead) ||
// aead.
func (e *Envelope) Encode() []byte {
	header := e.Header.Encode()
	out := make([]byte, 0, 4+len(header)+4+len(e.Ciphertext))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(header)))
	out = append(out, n[:]...)
	out = append(out, header...)
	binary.LittleEndian.PutUint32(n[:], uint32(len(e.Ciphertext)))
	out = append(out, n[:]...)
	out = append(out, e.Ciphertext...)
	return out
}

// DecodeEnvelope parses the layout produced by Encode.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: envelope truncated", ErrDeserialization)
	}
	headerLen := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < headerLen {
		return nil, fmt.Errorf("%w: envelope truncated", ErrDeserialization)
	}
	header, err := DecodeMessageHeader(data[:headerLen])
	if err != nil {
		return nil, err
	}
	data = data[headerLen:]
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: envelope truncated", ErrDeserialization)
	}
	ctLen := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) != ctLen {
		return nil, fmt.Errorf("%w: envelope length mismatch", ErrDeserialization)
	}
	return &Envelope{Header: *header, Ciphertext: append([]byte(nil), data...)}, nil
}

// EncodePreKeyMessage bundles an X3DH initial message with the first
// envelope so a responder can establish the session from a single
// Prekey-typed frame: u32 LE len(initial) || initial || envelope.
func EncodePreKeyMessage(initial *InitialMessage, env *Envelope) []byte {
	im := initial.Encode()
	envBytes := env.Encode()
	out := make([]byte, 0, 4+len(im)+len(envBytes))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(im)))
	out = append(out, n[:]...)
	out = append(out, im...)
	out = append(out, envBytes...)
	return out
}

// DecodePreKeyMessage splits a Prekey-typed ciphertext back into its X3DH
// initial message and envelope.
func DecodePreKeyMessage(data []byte) (*InitialMessage, *Envelope, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: prekey message truncated", ErrDeserialization)
	}
	imLen := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < imLen {
		return nil, nil, fmt.Errorf("%w: prekey message truncated", ErrDeserialization)
	}
	initial, err := DecodeInitialMessage(data[:imLen])
	if err != nil {
		return nil, nil, err
	}
	env, err := DecodeEnvelope(data[imLen:])
	if err != nil {
		return nil, nil, err
	}
	return initial, env, nil
}

// Session binds a peer identifier to a Double Ratchet.
type Session struct {
	PeerID    string
	Initiator bool
	ratchet   *DoubleRatchet
}

// InitiateSession runs X3DH against a verified bundle and bootstraps the
// ratchet against the peer's signed prekey. The returned InitialMessage must
// accompany the first ciphertext.
func InitiateSession(identity *IdentityKeyPair, peerID string, bundle *PreKeyBundle) (*Session, *InitialMessage, error) {
	secret, initial, err := InitiateX3DH(identity, bundle)
	if err != nil {
		return nil, nil, err
	}
	ratchet, err := InitRatchetInitiator(secret, bundle.SignedPreKey)
	if err != nil {
		return nil, nil, err
	}
	return &Session{PeerID: peerID, Initiator: true, ratchet: ratchet}, initial, nil
}

// ReceiveSession establishes the responder side from an initiator's initial
// message. The referenced one-time prekey is removed from the pool before
// the secret is computed.
func ReceiveSession(identity *IdentityKeyPair, signedPreKey *SignedPreKey, pool *[]*OneTimePreKey, peerID string, initial *InitialMessage) (*Session, error) {
	secret, err := RespondX3DH(identity, signedPreKey, pool, initial)
	if err != nil {
		return nil, err
	}
	ratchet := InitRatchetResponder(secret, signedPreKey.KeyPair)
	return &Session{PeerID: peerID, ratchet: ratchet}, nil
}

// Encrypt seals plaintext into an envelope.
func (s *Session) Encrypt(plaintext []byte) (*Envelope, error) {
	header, ciphertext, err := s.ratchet.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return &Envelope{Header: *header, Ciphertext: ciphertext}, nil
}

// Decrypt opens an envelope. On failure the session state is unchanged.
func (s *Session) Decrypt(env *Envelope) ([]byte, error) {
	return s.ratchet.Decrypt(&env.Header, env.Ciphertext)
}

// Export serializes the session for durable storage.
func (s *Session) Export() ([]byte, error) {
	ratchet, err := s.ratchet.Export()
	if err != nil {
		return nil, err
	}
	if len(s.PeerID) > int(^uint16(0)) {
		return nil, fmt.Errorf("%w: peer id too long", ErrSerialization)
	}
	out := make([]byte, 0, 4+len(s.PeerID)+len(ratchet))
	out = append(out, sessionStateVersion)
	if s.Initiator {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(s.PeerID)))
	out = append(out, n[:]...)
	out = append(out, s.PeerID...)
	out = append(out, ratchet...)
	return out, nil
}

// ImportSession restores a session exported by Export.
func ImportSession(data []byte) (*Session, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: session state truncated", ErrDeserialization)
	}
	if data[0] != sessionStateVersion {
		return nil, fmt.Errorf("%w: unsupported state version %d", ErrDeserialization, data[0])
	}
	s := &Session{Initiator: data[1] == 1}
	peerLen := binary.LittleEndian.Uint16(data[2:4])
	data = data[4:]
	if len(data) < int(peerLen) {
		return nil, fmt.Errorf("%w: session state truncated", ErrDeserialization)
	}
	s.PeerID = string(data[:peerLen])
	ratchet, err := ImportRatchet(data[peerLen:])
	if err != nil {
		return nil, err
	}
	s.ratchet = ratchet
	return s, nil
}
