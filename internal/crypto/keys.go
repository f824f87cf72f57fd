package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// IdentityKeyPair is the long-term Ed25519 signing key pair that names a
// principal. Its Montgomery form, used for the identity legs of X3DH, is a
// deterministic function of the Edwards key on both the private and the
// public side, so initiator and responder always agree on DH1/DH2.
type IdentityKeyPair struct {
	priv ed25519.PrivateKey
}

// GenerateIdentityKeyPair draws a fresh identity from the OS RNG.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{priv: priv}, nil
}

// IdentityKeyPairFromBytes reconstructs an identity from its 32-byte seed.
func IdentityKeyPairFromBytes(seed [32]byte) *IdentityKeyPair {
	return &IdentityKeyPair{priv: ed25519.NewKeyFromSeed(seed[:])}
}

// Bytes exports the 32-byte seed for durable storage.
func (k *IdentityKeyPair) Bytes() [32]byte {
	var seed [32]byte
	copy(seed[:], k.priv.Seed())
	return seed
}

// Sign signs message with the identity key, returning a 64-byte signature.
func (k *IdentityKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}

// PublicKey returns the public identity key.
func (k *IdentityKeyPair) PublicKey() IdentityPublicKey {
	var pub IdentityPublicKey
	copy(pub[:], k.priv.Public().(ed25519.PublicKey))
	return pub
}

// dhPrivate derives the X25519 scalar matching the Montgomery form of the
// public key: the clamped low half of SHA-512(seed), per RFC 8032 key
// expansion.
func (k *IdentityKeyPair) dhPrivate() [32]byte {
	h := sha512.Sum512(k.priv.Seed())
	var scalar [32]byte
	copy(scalar[:], h[:32])
	clampScalar(&scalar)
	Wipe(h[:])
	return scalar
}

// DH performs X25519 between the identity key's Montgomery scalar and a peer
// public key.
func (k *IdentityKeyPair) DH(peer [32]byte) ([32]byte, error) {
	scalar := k.dhPrivate()
	defer wipe32(&scalar)
	return x25519(scalar, peer)
}

// IdentityPublicKey is a 32-byte Ed25519 public key.
type IdentityPublicKey [32]byte

// Verify checks a 64-byte signature over message.
func (p IdentityPublicKey) Verify(message, signature []byte) error {
	if len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(p[:]), message, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// DHPublicKey converts the Edwards point to its Montgomery u-coordinate, the
// X25519 public key used for DH against this identity.
func (p IdentityPublicKey) DHPublicKey() ([32]byte, error) {
	var out [32]byte
	point, err := new(edwards25519.Point).SetBytes(p[:])
	if err != nil {
		return out, fmt.Errorf("%w: not a valid curve point", ErrInvalidKeyLength)
	}
	copy(out[:], point.BytesMontgomery())
	return out, nil
}

// DHKeyPair is an X25519 key pair, ephemeral or prekey-lived.
type DHKeyPair struct {
	priv [32]byte
	pub  [32]byte
}

// GenerateDHKeyPair draws a fresh X25519 pair from the OS RNG.
func GenerateDHKeyPair() (*DHKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}
	clampScalar(&priv)
	return DHKeyPairFromSecret(priv)
}

// DHKeyPairFromSecret reconstructs a pair from a raw 32-byte scalar; the
// public key is re-derived.
func DHKeyPairFromSecret(secret [32]byte) (*DHKeyPair, error) {
	pub, err := x25519(secret, basepoint())
	if err != nil {
		return nil, err
	}
	return &DHKeyPair{priv: secret, pub: pub}, nil
}

// PublicKey returns the X25519 public key.
func (k *DHKeyPair) PublicKey() [32]byte {
	return k.pub
}

// SecretBytes exports the raw scalar for durable storage.
func (k *DHKeyPair) SecretBytes() [32]byte {
	return k.priv
}

// DiffieHellman computes the shared secret with a peer public key.
func (k *DHKeyPair) DiffieHellman(peer [32]byte) ([32]byte, error) {
	return x25519(k.priv, peer)
}

// Zero scrubs the private scalar.
func (k *DHKeyPair) Zero() {
	wipe32(&k.priv)
}

// SignedPreKey is a medium-term DH key whose public half is signed by the
// identity key. Bundle consumers must verify the signature before any DH.
type SignedPreKey struct {
	ID        uint32
	KeyPair   *DHKeyPair
	Signature []byte
}

// GenerateSignedPreKey creates and signs a new signed prekey.
func GenerateSignedPreKey(id uint32, identity *IdentityKeyPair) (*SignedPreKey, error) {
	pair, err := GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}
	pub := pair.PublicKey()
	return &SignedPreKey{
		ID:        id,
		KeyPair:   pair,
		Signature: identity.Sign(pub[:]),
	}, nil
}

// PublicKey returns the signed prekey's public half.
func (s *SignedPreKey) PublicKey() [32]byte {
	return s.KeyPair.PublicKey()
}

// OneTimePreKey is published in bulk and consumed at most once.
type OneTimePreKey struct {
	ID      uint32
	KeyPair *DHKeyPair
}

// GenerateOneTimePreKey creates a new one-time prekey.
func GenerateOneTimePreKey(id uint32) (*OneTimePreKey, error) {
	pair, err := GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}
	return &OneTimePreKey{ID: id, KeyPair: pair}, nil
}

// PublicKey returns the one-time prekey's public half.
func (o *OneTimePreKey) PublicKey() [32]byte {
	return o.KeyPair.PublicKey()
}

// PreKeyBundle is the publishable set of keys a peer needs to run X3DH
// against us. OneTimePreKey is nil when the pool is exhausted.
type PreKeyBundle struct {
	IdentityKey           IdentityPublicKey `json:"identity_key"`
	SignedPreKey          [32]byte          `json:"signed_prekey"`
	SignedPreKeyID        uint32            `json:"signed_prekey_id"`
	SignedPreKeySignature []byte            `json:"signed_prekey_signature"`
	OneTimePreKey         *[32]byte         `json:"one_time_prekey,omitempty"`
	OneTimePreKeyID       *uint32           `json:"one_time_prekey_id,omitempty"`
}

// Verify checks the signed prekey signature under the bundle's identity key.
// Every downstream operation requires this to pass first.
func (b *PreKeyBundle) Verify() error {
	return b.IdentityKey.Verify(b.SignedPreKey[:], b.SignedPreKeySignature)
}

func clampScalar(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

func basepoint() [32]byte {
	var bp [32]byte
	copy(bp[:], curve25519.Basepoint)
	return bp
}

func x25519(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	Wipe(shared)
	return out, nil
}
