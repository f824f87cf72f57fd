package crypto

import "fmt"

// Registry owns a local identity, the active signed prekey, the one-time
// prekey pool and the per-peer sessions. Sessions are plain values in the
// map; callers re-borrow the registry for each operation and never hold a
// back-reference from a session to its registry.
type Registry struct {
	identity       *IdentityKeyPair
	signedPreKey   *SignedPreKey
	oneTimePreKeys []*OneTimePreKey
	sessions       map[string]*Session
	nextPreKeyID   uint32
}

// NewRegistry creates a registry with a fresh identity and signed prekey.
func NewRegistry() (*Registry, error) {
	identity, err := GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	return NewRegistryFromIdentity(identity)
}

// NewRegistryFromIdentity creates a registry around an existing identity,
// generating a new signed prekey for it.
func NewRegistryFromIdentity(identity *IdentityKeyPair) (*Registry, error) {
	signedPreKey, err := GenerateSignedPreKey(1, identity)
	if err != nil {
		return nil, err
	}
	return &Registry{
		identity:     identity,
		signedPreKey: signedPreKey,
		sessions:     make(map[string]*Session),
		nextPreKeyID: 1,
	}, nil
}

// RestoreRegistry rebuilds a registry from durably stored parts. Sessions
// are installed separately with PutSession.
func RestoreRegistry(identity *IdentityKeyPair, signedPreKey *SignedPreKey, oneTimePreKeys []*OneTimePreKey) *Registry {
	next := uint32(1)
	for _, pk := range oneTimePreKeys {
		if pk.ID >= next {
			next = pk.ID + 1
		}
	}
	return &Registry{
		identity:       identity,
		signedPreKey:   signedPreKey,
		oneTimePreKeys: oneTimePreKeys,
		sessions:       make(map[string]*Session),
		nextPreKeyID:   next,
	}
}

// Identity returns the local identity key pair.
func (r *Registry) Identity() *IdentityKeyPair {
	return r.identity
}

// IdentityBytes exports the identity seed for durable storage.
func (r *Registry) IdentityBytes() [32]byte {
	return r.identity.Bytes()
}

// SignedPreKey returns the active signed prekey.
func (r *Registry) SignedPreKey() *SignedPreKey {
	return r.signedPreKey
}

// PreKeyBundle builds the publishable bundle, attaching at most the first
// pooled one-time prekey.
func (r *Registry) PreKeyBundle() *PreKeyBundle {
	bundle := &PreKeyBundle{
		IdentityKey:           r.identity.PublicKey(),
		SignedPreKey:          r.signedPreKey.PublicKey(),
		SignedPreKeyID:        r.signedPreKey.ID,
		SignedPreKeySignature: r.signedPreKey.Signature,
	}
	if len(r.oneTimePreKeys) > 0 {
		first := r.oneTimePreKeys[0]
		pub := first.PublicKey()
		id := first.ID
		bundle.OneTimePreKey = &pub
		bundle.OneTimePreKeyID = &id
	}
	return bundle
}

// GenerateOneTimePreKeys adds n fresh prekeys to the pool and returns them
// for publication.
func (r *Registry) GenerateOneTimePreKeys(n int) ([]*OneTimePreKey, error) {
	keys := make([]*OneTimePreKey, 0, n)
	for i := 0; i < n; i++ {
		key, err := GenerateOneTimePreKey(r.nextPreKeyID)
		if err != nil {
			return nil, err
		}
		r.oneTimePreKeys = append(r.oneTimePreKeys, key)
		r.nextPreKeyID++
		keys = append(keys, key)
	}
	return keys, nil
}

// OneTimePreKeys returns the pooled, unconsumed prekeys.
func (r *Registry) OneTimePreKeys() []*OneTimePreKey {
	return r.oneTimePreKeys
}

// OneTimePreKeyCount reports how many unconsumed prekeys remain pooled.
func (r *Registry) OneTimePreKeyCount() int {
	return len(r.oneTimePreKeys)
}

// InitiateSession establishes an outbound session with a peer from their
// published bundle and returns the X3DH initial message to send.
func (r *Registry) InitiateSession(peerID string, bundle *PreKeyBundle) (*InitialMessage, error) {
	session, initial, err := InitiateSession(r.identity, peerID, bundle)
	if err != nil {
		return nil, err
	}
	r.sessions[peerID] = session
	return initial, nil
}

// ReceiveSession establishes an inbound session from a peer's initial
// message, consuming the referenced one-time prekey.
func (r *Registry) ReceiveSession(peerID string, initial *InitialMessage) error {
	session, err := ReceiveSession(r.identity, r.signedPreKey, &r.oneTimePreKeys, peerID, initial)
	if err != nil {
		return err
	}
	r.sessions[peerID] = session
	return nil
}

// Encrypt seals plaintext for a peer with an established session.
func (r *Registry) Encrypt(peerID string, plaintext []byte) (*Envelope, error) {
	session, ok := r.sessions[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, peerID)
	}
	return session.Encrypt(plaintext)
}

// Decrypt opens an envelope from a peer with an established session.
func (r *Registry) Decrypt(peerID string, env *Envelope) ([]byte, error) {
	session, ok := r.sessions[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, peerID)
	}
	return session.Decrypt(env)
}

// Session looks up the session for a peer.
func (r *Registry) Session(peerID string) (*Session, bool) {
	session, ok := r.sessions[peerID]
	return session, ok
}

// PutSession installs a session restored from durable storage, replacing any
// existing session for the same peer.
func (r *Registry) PutSession(session *Session) {
	r.sessions[session.PeerID] = session
}

// Peers lists the peer ids with established sessions.
func (r *Registry) Peers() []string {
	peers := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		peers = append(peers, id)
	}
	return peers
}
