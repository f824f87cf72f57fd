package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func newTestRegistry(t *testing.T, oneTimeCount int) *Registry {
	t.Helper()
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if oneTimeCount > 0 {
		if _, err := registry.GenerateOneTimePreKeys(oneTimeCount); err != nil {
			t.Fatalf("one-time prekeys: %v", err)
		}
	}
	return registry
}

func TestRegistryRoundTrip(t *testing.T) {
	alice := newTestRegistry(t, 0)
	bob := newTestRegistry(t, 1)

	initial, err := alice.InitiateSession("bob", bob.PreKeyBundle())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := bob.ReceiveSession("alice", initial); err != nil {
		t.Fatalf("receive: %v", err)
	}

	env, err := alice.Encrypt("bob", []byte("Hello, Bob!"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := bob.Decrypt("alice", env)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != "Hello, Bob!" {
		t.Fatalf("mismatch: %q", got)
	}

	// Reply ratchets: bob's header must carry a different DH key than the
	// one alice sent under.
	reply, err := bob.Encrypt("alice", []byte("Hello, Alice!"))
	if err != nil {
		t.Fatalf("reply encrypt: %v", err)
	}
	if reply.Header.DHPublic == env.Header.DHPublic {
		t.Fatal("reply did not rotate the ratchet key")
	}
	got, err = alice.Decrypt("bob", reply)
	if err != nil {
		t.Fatalf("reply decrypt: %v", err)
	}
	if string(got) != "Hello, Alice!" {
		t.Fatalf("reply mismatch: %q", got)
	}
}

func TestRegistrySessionNotFound(t *testing.T) {
	alice := newTestRegistry(t, 0)
	if _, err := alice.Encrypt("stranger", []byte("hi")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("encrypt: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := alice.Decrypt("stranger", &Envelope{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("decrypt: expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistryBundleConsumesPoolHead(t *testing.T) {
	bob := newTestRegistry(t, 2)

	bundle := bob.PreKeyBundle()
	if bundle.OneTimePreKey == nil || bundle.OneTimePreKeyID == nil {
		t.Fatal("bundle missing pooled one-time prekey")
	}
	if *bundle.OneTimePreKeyID != 1 {
		t.Fatalf("bundle should carry the first pooled prekey, got id %d", *bundle.OneTimePreKeyID)
	}

	alice := newTestRegistry(t, 0)
	initial, err := alice.InitiateSession("bob", bundle)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := bob.ReceiveSession("alice", initial); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if bob.OneTimePreKeyCount() != 1 {
		t.Fatalf("pool should have 1 prekey left, has %d", bob.OneTimePreKeyCount())
	}

	// A second initiator gets the next prekey.
	next := bob.PreKeyBundle()
	if next.OneTimePreKeyID == nil || *next.OneTimePreKeyID != 2 {
		t.Fatal("bundle did not advance to the next pooled prekey")
	}
}

// OPK exhaustion: a bundle without a one-time prekey still establishes.
func TestRegistryExhaustedPool(t *testing.T) {
	bob := newTestRegistry(t, 0)
	alice := newTestRegistry(t, 0)

	bundle := bob.PreKeyBundle()
	if bundle.OneTimePreKey != nil {
		t.Fatal("empty pool produced a one-time prekey")
	}

	initial, err := alice.InitiateSession("bob", bundle)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := bob.ReceiveSession("alice", initial); err != nil {
		t.Fatalf("receive: %v", err)
	}

	env, err := alice.Encrypt("bob", []byte("no opk needed"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := bob.Decrypt("alice", env); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
}

func TestEnvelopeEncodeDecode(t *testing.T) {
	env := &Envelope{
		Header:     MessageHeader{PN: 3, N: 9},
		Ciphertext: []byte{1, 2, 3, 4, 5},
	}
	env.Header.DHPublic[5] = 0x77

	decoded, err := DecodeEnvelope(env.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Header != env.Header || !bytes.Equal(decoded.Ciphertext, env.Ciphertext) {
		t.Fatal("envelope round trip mismatch")
	}

	for _, n := range []int{0, 3, 10, 43} {
		if _, err := DecodeEnvelope(env.Encode()[:n]); !errors.Is(err, ErrDeserialization) {
			t.Fatalf("truncated to %d: expected ErrDeserialization, got %v", n, err)
		}
	}
}

func TestPreKeyMessageRoundTrip(t *testing.T) {
	alice := newTestRegistry(t, 0)
	bob := newTestRegistry(t, 1)

	initial, err := alice.InitiateSession("bob", bob.PreKeyBundle())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	env, err := alice.Encrypt("bob", []byte("first contact"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	wire := EncodePreKeyMessage(initial, env)

	// Bob sets up the session from the single prekey-typed blob.
	gotInitial, gotEnv, err := DecodePreKeyMessage(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := bob.ReceiveSession("alice", gotInitial); err != nil {
		t.Fatalf("receive: %v", err)
	}
	pt, err := bob.Decrypt("alice", gotEnv)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != "first contact" {
		t.Fatalf("mismatch: %q", pt)
	}
}

func TestSessionExportImport(t *testing.T) {
	alice := newTestRegistry(t, 0)
	bob := newTestRegistry(t, 1)

	initial, err := alice.InitiateSession("bob", bob.PreKeyBundle())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := bob.ReceiveSession("alice", initial); err != nil {
		t.Fatalf("receive: %v", err)
	}

	env, err := alice.Encrypt("bob", []byte("one"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := bob.Decrypt("alice", env); err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	session, ok := bob.Session("alice")
	if !ok {
		t.Fatal("session missing")
	}
	blob, err := session.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	restored, err := ImportSession(blob)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if restored.PeerID != "alice" || restored.Initiator {
		t.Fatalf("metadata changed: peer=%q initiator=%v", restored.PeerID, restored.Initiator)
	}

	fresh, err := NewRegistryFromIdentity(IdentityKeyPairFromBytes(bob.IdentityBytes()))
	if err != nil {
		t.Fatalf("fresh registry: %v", err)
	}
	fresh.PutSession(restored)

	env2, err := alice.Encrypt("bob", []byte("two"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := fresh.Decrypt("alice", env2)
	if err != nil {
		t.Fatalf("restored decrypt: %v", err)
	}
	if string(got) != "two" {
		t.Fatalf("mismatch: %q", got)
	}
}
