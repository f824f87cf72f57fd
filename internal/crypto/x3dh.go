package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// x3dhInfo is the HKDF domain separator for the shared-secret derivation.
const x3dhInfo = "Chai.im X3DH"

// initialMessageBaseLen is ik(32) + ek(32) + spk id(4) + otp flag(1).
const initialMessageBaseLen = 32 + 32 + 4 + 1

// InitialMessage is what the initiator sends alongside the first ciphertext
// so the responder can run the mirror half of X3DH.
type InitialMessage struct {
	IdentityKey     [32]byte
	EphemeralKey    [32]byte
	SignedPreKeyID  uint32
	OneTimePreKeyID *uint32
}

// Encode serializes to ik[32] || ek[32] || spk_id[4 LE] || has_otp[1]
// (|| otp_id[4 LE]).
func (m *InitialMessage) Encode() []byte {
	out := make([]byte, initialMessageBaseLen, initialMessageBaseLen+4)
	copy(out[:32], m.IdentityKey[:])
	copy(out[32:64], m.EphemeralKey[:])
	binary.LittleEndian.PutUint32(out[64:68], m.SignedPreKeyID)
	if m.OneTimePreKeyID != nil {
		out[68] = 1
		var id [4]byte
		binary.LittleEndian.PutUint32(id[:], *m.OneTimePreKeyID)
		out = append(out, id[:]...)
	}
	return out
}

// DecodeInitialMessage parses the layout produced by Encode.
func DecodeInitialMessage(data []byte) (*InitialMessage, error) {
	if len(data) < initialMessageBaseLen {
		return nil, fmt.Errorf("%w: initial message truncated", ErrDeserialization)
	}
	m := &InitialMessage{}
	copy(m.IdentityKey[:], data[:32])
	copy(m.EphemeralKey[:], data[32:64])
	m.SignedPreKeyID = binary.LittleEndian.Uint32(data[64:68])
	switch data[68] {
	case 0:
		if len(data) != initialMessageBaseLen {
			return nil, fmt.Errorf("%w: trailing bytes in initial message", ErrDeserialization)
		}
	case 1:
		if len(data) != initialMessageBaseLen+4 {
			return nil, fmt.Errorf("%w: initial message truncated", ErrDeserialization)
		}
		id := binary.LittleEndian.Uint32(data[69:73])
		m.OneTimePreKeyID = &id
	default:
		return nil, fmt.Errorf("%w: bad one-time prekey flag", ErrDeserialization)
	}
	return m, nil
}

// InitiateX3DH runs the initiator half of X3DH against a peer's bundle. The
// bundle signature is verified before any DH is computed. Returns the shared
// secret and the initial message for the responder.
func InitiateX3DH(identity *IdentityKeyPair, bundle *PreKeyBundle) ([32]byte, *InitialMessage, error) {
	var zero [32]byte

	if err := bundle.Verify(); err != nil {
		return zero, nil, err
	}

	ephemeral, err := GenerateDHKeyPair()
	if err != nil {
		return zero, nil, err
	}
	defer ephemeral.Zero()

	peerIdentityDH, err := bundle.IdentityKey.DHPublicKey()
	if err != nil {
		return zero, nil, err
	}

	// DH1 = DH(IK_A, SPK_B)
	dh1, err := identity.DH(bundle.SignedPreKey)
	if err != nil {
		return zero, nil, err
	}
	// DH2 = DH(EK_A, IK_B)
	dh2, err := ephemeral.DiffieHellman(peerIdentityDH)
	if err != nil {
		return zero, nil, err
	}
	// DH3 = DH(EK_A, SPK_B)
	dh3, err := ephemeral.DiffieHellman(bundle.SignedPreKey)
	if err != nil {
		return zero, nil, err
	}
	// DH4 = DH(EK_A, OPK_B), only when the bundle carried a one-time prekey.
	var dh4 *[32]byte
	if bundle.OneTimePreKey != nil {
		d, err := ephemeral.DiffieHellman(*bundle.OneTimePreKey)
		if err != nil {
			return zero, nil, err
		}
		dh4 = &d
	}

	secret, err := deriveSharedSecret(dh1, dh2, dh3, dh4)
	if err != nil {
		return zero, nil, err
	}

	identityPub := identity.PublicKey()
	msg := &InitialMessage{
		IdentityKey:     [32]byte(identityPub),
		EphemeralKey:    ephemeral.PublicKey(),
		SignedPreKeyID:  bundle.SignedPreKeyID,
		OneTimePreKeyID: bundle.OneTimePreKeyID,
	}
	return secret, msg, nil
}

// RespondX3DH runs the responder half. When the initial message names a
// one-time prekey, that prekey is removed from the pool before the secret is
// derived; an id we never held (or already consumed) is ErrUnknownPreKeyID.
func RespondX3DH(identity *IdentityKeyPair, signedPreKey *SignedPreKey, pool *[]*OneTimePreKey, msg *InitialMessage) ([32]byte, error) {
	var zero [32]byte

	var oneTime *OneTimePreKey
	if msg.OneTimePreKeyID != nil {
		oneTime = takeOneTimePreKey(pool, *msg.OneTimePreKeyID)
		if oneTime == nil {
			return zero, fmt.Errorf("%w: %d", ErrUnknownPreKeyID, *msg.OneTimePreKeyID)
		}
	}

	theirIdentityDH, err := IdentityPublicKey(msg.IdentityKey).DHPublicKey()
	if err != nil {
		return zero, err
	}

	// DH1 = DH(SPK_B, IK_A)
	dh1, err := signedPreKey.KeyPair.DiffieHellman(theirIdentityDH)
	if err != nil {
		return zero, err
	}
	// DH2 = DH(IK_B, EK_A)
	dh2, err := identity.DH(msg.EphemeralKey)
	if err != nil {
		return zero, err
	}
	// DH3 = DH(SPK_B, EK_A)
	dh3, err := signedPreKey.KeyPair.DiffieHellman(msg.EphemeralKey)
	if err != nil {
		return zero, err
	}
	var dh4 *[32]byte
	if oneTime != nil {
		d, err := oneTime.KeyPair.DiffieHellman(msg.EphemeralKey)
		if err != nil {
			return zero, err
		}
		dh4 = &d
		oneTime.KeyPair.Zero()
	}

	return deriveSharedSecret(dh1, dh2, dh3, dh4)
}

// takeOneTimePreKey removes and returns the pool entry with the given id, or
// nil if absent. Removal happens before derivation so a concurrent initiation
// cannot consume the same prekey twice.
func takeOneTimePreKey(pool *[]*OneTimePreKey, id uint32) *OneTimePreKey {
	keys := *pool
	for i, k := range keys {
		if k.ID == id {
			*pool = append(keys[:i], keys[i+1:]...)
			return k
		}
	}
	return nil
}

// deriveSharedSecret feeds F(32 x 0xFF) || DH1 || DH2 || DH3 [|| DH4] into
// HKDF-SHA256. The 0xFF prefix domain-separates from plain X25519 output.
func deriveSharedSecret(dh1, dh2, dh3 [32]byte, dh4 *[32]byte) ([32]byte, error) {
	var secret [32]byte

	ikm := make([]byte, 0, 32*5)
	prefix := [32]byte{}
	for i := range prefix {
		prefix[i] = 0xFF
	}
	ikm = append(ikm, prefix[:]...)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)
	if dh4 != nil {
		ikm = append(ikm, dh4[:]...)
	}
	defer Wipe(ikm)
	wipe32(&dh1)
	wipe32(&dh2)
	wipe32(&dh3)
	if dh4 != nil {
		wipe32(dh4)
	}

	kdf := hkdf.New(sha256.New, ikm, nil, []byte(x3dhInfo))
	if _, err := io.ReadFull(kdf, secret[:]); err != nil {
		return secret, fmt.Errorf("%w: %v", ErrKeyDerivationFailed, err)
	}
	return secret, nil
}
