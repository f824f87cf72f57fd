package crypto

import (
	"errors"
	"testing"
)

type x3dhParty struct {
	identity     *IdentityKeyPair
	signedPreKey *SignedPreKey
	oneTime      []*OneTimePreKey
}

func newX3DHParty(t *testing.T, oneTimeCount int) *x3dhParty {
	t.Helper()
	identity, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	signedPreKey, err := GenerateSignedPreKey(7, identity)
	if err != nil {
		t.Fatalf("signed prekey: %v", err)
	}
	p := &x3dhParty{identity: identity, signedPreKey: signedPreKey}
	for i := 0; i < oneTimeCount; i++ {
		key, err := GenerateOneTimePreKey(uint32(i + 1))
		if err != nil {
			t.Fatalf("one-time prekey: %v", err)
		}
		p.oneTime = append(p.oneTime, key)
	}
	return p
}

func (p *x3dhParty) bundle() *PreKeyBundle {
	bundle := &PreKeyBundle{
		IdentityKey:           p.identity.PublicKey(),
		SignedPreKey:          p.signedPreKey.PublicKey(),
		SignedPreKeyID:        p.signedPreKey.ID,
		SignedPreKeySignature: p.signedPreKey.Signature,
	}
	if len(p.oneTime) > 0 {
		pub := p.oneTime[0].PublicKey()
		id := p.oneTime[0].ID
		bundle.OneTimePreKey = &pub
		bundle.OneTimePreKeyID = &id
	}
	return bundle
}

func TestX3DHAgreementWithOneTimePreKey(t *testing.T) {
	bob := newX3DHParty(t, 1)
	alice, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	aliceSecret, initial, err := InitiateX3DH(alice, bob.bundle())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if initial.OneTimePreKeyID == nil {
		t.Fatal("initial message dropped the one-time prekey id")
	}

	bobSecret, err := RespondX3DH(bob.identity, bob.signedPreKey, &bob.oneTime, initial)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if aliceSecret != bobSecret {
		t.Fatal("shared secrets differ")
	}
	if len(bob.oneTime) != 0 {
		t.Fatalf("one-time prekey not consumed, %d remaining", len(bob.oneTime))
	}
}

func TestX3DHAgreementWithoutOneTimePreKey(t *testing.T) {
	bob := newX3DHParty(t, 0)
	alice, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	aliceSecret, initial, err := InitiateX3DH(alice, bob.bundle())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if initial.OneTimePreKeyID != nil {
		t.Fatal("initial message invented a one-time prekey id")
	}

	bobSecret, err := RespondX3DH(bob.identity, bob.signedPreKey, &bob.oneTime, initial)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if aliceSecret != bobSecret {
		t.Fatal("shared secrets differ")
	}
}

func TestX3DHDoubleConsumption(t *testing.T) {
	bob := newX3DHParty(t, 1)
	alice, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	_, initial, err := InitiateX3DH(alice, bob.bundle())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := RespondX3DH(bob.identity, bob.signedPreKey, &bob.oneTime, initial); err != nil {
		t.Fatalf("first respond: %v", err)
	}
	// Re-processing the same initial message must fail: the prekey is gone.
	if _, err := RespondX3DH(bob.identity, bob.signedPreKey, &bob.oneTime, initial); !errors.Is(err, ErrUnknownPreKeyID) {
		t.Fatalf("expected ErrUnknownPreKeyID, got %v", err)
	}
}

func TestX3DHRejectsBadSignature(t *testing.T) {
	bob := newX3DHParty(t, 1)
	alice, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	bundle := bob.bundle()
	bundle.SignedPreKeySignature = append([]byte(nil), bundle.SignedPreKeySignature...)
	bundle.SignedPreKeySignature[0] ^= 0xFF

	if _, _, err := InitiateX3DH(alice, bundle); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestInitialMessageEncodeDecode(t *testing.T) {
	otpID := uint32(42)
	for _, msg := range []*InitialMessage{
		{SignedPreKeyID: 7},
		{SignedPreKeyID: 7, OneTimePreKeyID: &otpID},
	} {
		msg.IdentityKey[0] = 0xAA
		msg.EphemeralKey[31] = 0xBB

		decoded, err := DecodeInitialMessage(msg.Encode())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.IdentityKey != msg.IdentityKey || decoded.EphemeralKey != msg.EphemeralKey {
			t.Fatal("key bytes changed in round trip")
		}
		if decoded.SignedPreKeyID != msg.SignedPreKeyID {
			t.Fatal("signed prekey id changed in round trip")
		}
		if (decoded.OneTimePreKeyID == nil) != (msg.OneTimePreKeyID == nil) {
			t.Fatal("one-time prekey presence changed in round trip")
		}
		if decoded.OneTimePreKeyID != nil && *decoded.OneTimePreKeyID != *msg.OneTimePreKeyID {
			t.Fatal("one-time prekey id changed in round trip")
		}
	}

	if _, err := DecodeInitialMessage(make([]byte, 10)); !errors.Is(err, ErrDeserialization) {
		t.Fatalf("truncated: expected ErrDeserialization, got %v", err)
	}
}
