package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"
)

const (
	// MaxSkip bounds both how far ahead a single message may jump and how
	// many skipped message keys are cached per session.
	MaxSkip = 1024

	ratchetInfo = "Chai.im Ratchet"

	headerLen = 32 + 4 + 4

	ratchetStateVersion = 1
)

// MessageHeader carries the DH ratchet public key and chain counters for one
// message. Its encoded form is the AEAD associated data.
type MessageHeader struct {
	DHPublic [32]byte
	PN       uint32
	N        uint32
}

// Encode serializes to dh_pub[32] || pn[4 LE] || n[4 LE]. The layout is
// stable: these bytes authenticate the ciphertext.
func (h *MessageHeader) Encode() []byte {
	out := make([]byte, headerLen)
	copy(out[:32], h.DHPublic[:])
	binary.LittleEndian.PutUint32(out[32:36], h.PN)
	binary.LittleEndian.PutUint32(out[36:40], h.N)
	return out
}

// DecodeMessageHeader parses the layout produced by Encode.
func DecodeMessageHeader(data []byte) (*MessageHeader, error) {
	if len(data) != headerLen {
		return nil, fmt.Errorf("%w: header must be %d bytes", ErrDeserialization, headerLen)
	}
	h := &MessageHeader{}
	copy(h.DHPublic[:], data[:32])
	h.PN = binary.LittleEndian.Uint32(data[32:36])
	h.N = binary.LittleEndian.Uint32(data[36:40])
	return h, nil
}

// skippedKey caches one message key for a counter that was jumped over.
// Entries live in insertion order so FIFO eviction survives export/import.
type skippedKey struct {
	dhPublic [32]byte
	n        uint32
	key      [32]byte
}

// DoubleRatchet is the per-session ratchet state machine. It is not safe for
// concurrent use; a session is owned by exactly one task at a time.
type DoubleRatchet struct {
	dhSelf    *DHKeyPair
	dhRemote  *[32]byte
	rootKey   [32]byte
	chainSend *[32]byte
	chainRecv *[32]byte
	nSend     uint32
	nRecv     uint32
	pn        uint32
	skipped   []skippedKey
}

// InitRatchetInitiator sets up the sending side after X3DH: the root is the
// shared secret, and one KDF_RK step against the peer's signed prekey
// bootstraps the send chain.
func InitRatchetInitiator(sharedSecret [32]byte, peerSignedPreKey [32]byte) (*DoubleRatchet, error) {
	dhSelf, err := GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}
	dhOut, err := dhSelf.DiffieHellman(peerSignedPreKey)
	if err != nil {
		return nil, err
	}
	root, chainSend := kdfRootKey(sharedSecret, dhOut)
	wipe32(&dhOut)
	wipe32(&sharedSecret)

	remote := peerSignedPreKey
	return &DoubleRatchet{
		dhSelf:    dhSelf,
		dhRemote:  &remote,
		rootKey:   root,
		chainSend: &chainSend,
	}, nil
}

// InitRatchetResponder sets up the receiving side: the root is the shared
// secret and dh_self is the signed prekey pair the initiator ratcheted
// against. The first received message triggers the DH ratchet.
func InitRatchetResponder(sharedSecret [32]byte, signedPreKeyPair *DHKeyPair) *DoubleRatchet {
	// Copy the pair: the signed prekey outlives this session and the first
	// DH ratchet scrubs dh_self when it rotates.
	pair := *signedPreKeyPair
	return &DoubleRatchet{
		dhSelf:  &pair,
		rootKey: sharedSecret,
	}
}

// Encrypt advances the send chain one step and seals plaintext with the
// derived message key, binding the header as associated data.
func (r *DoubleRatchet) Encrypt(plaintext []byte) (*MessageHeader, []byte, error) {
	if r.chainSend == nil || r.dhSelf == nil {
		return nil, nil, ErrSessionNotInitialized
	}
	if r.nSend == math.MaxUint32 {
		return nil, nil, ErrCounterOverflow
	}

	nextChain, messageKey := kdfChainKey(*r.chainSend)
	header := &MessageHeader{
		DHPublic: r.dhSelf.PublicKey(),
		PN:       r.pn,
		N:        r.nSend,
	}

	ciphertext, err := Encrypt(messageKey[:], plaintext, header.Encode())
	wipe32(&messageKey)
	if err != nil {
		return nil, nil, err
	}

	wipe32(r.chainSend)
	r.chainSend = &nextChain
	r.nSend++
	return header, ciphertext, nil
}

// Decrypt opens a message. All ratchet-state changes are staged on a working
// copy and committed only after the AEAD authenticates, so a forged message
// can never desynchronize the session.
func (r *DoubleRatchet) Decrypt(header *MessageHeader, ciphertext []byte) ([]byte, error) {
	ad := header.Encode()

	// A pre-stored skipped key handles out-of-order delivery. The entry is
	// removed only once its ciphertext authenticates.
	if idx := r.findSkipped(header.DHPublic, header.N); idx >= 0 {
		plaintext, err := Decrypt(r.skipped[idx].key[:], ciphertext, ad)
		if err != nil {
			return nil, err
		}
		wipe32(&r.skipped[idx].key)
		r.skipped = append(r.skipped[:idx], r.skipped[idx+1:]...)
		return plaintext, nil
	}

	sameChain := r.dhRemote != nil && *r.dhRemote == header.DHPublic

	// Counters never run backwards within a chain; without a cached key a
	// lower counter is a replay or a stale retransmit.
	if sameChain && header.N < r.nRecv {
		return nil, ErrDuplicateMessage
	}

	st := r.clone()

	if !sameChain {
		if err := st.skipUntil(header.PN); err != nil {
			return nil, err
		}
		if err := st.dhRatchet(header.DHPublic); err != nil {
			return nil, err
		}
	}
	if err := st.skipUntil(header.N); err != nil {
		return nil, err
	}

	if st.chainRecv == nil {
		return nil, ErrSessionNotInitialized
	}
	nextChain, messageKey := kdfChainKey(*st.chainRecv)
	plaintext, err := Decrypt(messageKey[:], ciphertext, ad)
	wipe32(&messageKey)
	if err != nil {
		return nil, err
	}

	wipe32(st.chainRecv)
	st.chainRecv = &nextChain
	st.nRecv = header.N + 1

	r.commit(st)
	return plaintext, nil
}

// skipUntil derives and caches message keys for counters below target,
// evicting the oldest entries beyond MaxSkip.
func (r *DoubleRatchet) skipUntil(target uint32) error {
	if r.chainRecv == nil {
		return nil
	}
	if target > r.nRecv && target-r.nRecv > MaxSkip {
		return ErrMessageTooOld
	}
	for r.nRecv < target {
		nextChain, messageKey := kdfChainKey(*r.chainRecv)
		wipe32(r.chainRecv)
		r.chainRecv = &nextChain
		r.skipped = append(r.skipped, skippedKey{
			dhPublic: *r.dhRemote,
			n:        r.nRecv,
			key:      messageKey,
		})
		r.nRecv++
		if len(r.skipped) > MaxSkip {
			wipe32(&r.skipped[0].key)
			r.skipped = r.skipped[1:]
		}
	}
	return nil
}

// dhRatchet rotates to the peer's new DH key: reset counters, derive a fresh
// receive chain, rotate dh_self, derive a fresh send chain.
func (r *DoubleRatchet) dhRatchet(theirPublic [32]byte) error {
	r.pn = r.nSend
	r.nSend = 0
	r.nRecv = 0

	remote := theirPublic
	r.dhRemote = &remote

	dhOut, err := r.dhSelf.DiffieHellman(theirPublic)
	if err != nil {
		return err
	}
	root, chainRecv := kdfRootKey(r.rootKey, dhOut)
	wipe32(&dhOut)
	r.rootKey = root
	r.chainRecv = &chainRecv

	newSelf, err := GenerateDHKeyPair()
	if err != nil {
		return err
	}
	dhOut, err = newSelf.DiffieHellman(theirPublic)
	if err != nil {
		return err
	}
	root, chainSend := kdfRootKey(r.rootKey, dhOut)
	wipe32(&dhOut)
	r.rootKey = root
	r.chainSend = &chainSend
	r.dhSelf.Zero()
	r.dhSelf = newSelf
	return nil
}

func (r *DoubleRatchet) findSkipped(dhPublic [32]byte, n uint32) int {
	for i := range r.skipped {
		if r.skipped[i].n == n && r.skipped[i].dhPublic == dhPublic {
			return i
		}
	}
	return -1
}

// clone deep-copies the state so Decrypt can stage changes.
func (r *DoubleRatchet) clone() *DoubleRatchet {
	st := &DoubleRatchet{
		rootKey: r.rootKey,
		nSend:   r.nSend,
		nRecv:   r.nRecv,
		pn:      r.pn,
	}
	if r.dhSelf != nil {
		pair := *r.dhSelf
		st.dhSelf = &pair
	}
	if r.dhRemote != nil {
		remote := *r.dhRemote
		st.dhRemote = &remote
	}
	if r.chainSend != nil {
		chain := *r.chainSend
		st.chainSend = &chain
	}
	if r.chainRecv != nil {
		chain := *r.chainRecv
		st.chainRecv = &chain
	}
	st.skipped = make([]skippedKey, len(r.skipped))
	copy(st.skipped, r.skipped)
	return st
}

func (r *DoubleRatchet) commit(st *DoubleRatchet) {
	*r = *st
}

// PublicKey returns the current DH ratchet public key, or false when no
// ratchet key pair is set.
func (r *DoubleRatchet) PublicKey() ([32]byte, bool) {
	if r.dhSelf == nil {
		return [32]byte{}, false
	}
	return r.dhSelf.PublicKey(), true
}

// Export serializes the ratchet state with a version prefix. Secret scalars
// are exported raw; Import re-derives the public halves.
func (r *DoubleRatchet) Export() ([]byte, error) {
	if r.dhSelf == nil {
		return nil, fmt.Errorf("%w: no ratchet key", ErrSerialization)
	}

	out := make([]byte, 0, 1+32+1+3*32+12+4+len(r.skipped)*(32+4+32))
	out = append(out, ratchetStateVersion)

	secret := r.dhSelf.SecretBytes()
	out = append(out, secret[:]...)
	wipe32(&secret)

	var flags byte
	if r.dhRemote != nil {
		flags |= 1
	}
	if r.chainSend != nil {
		flags |= 2
	}
	if r.chainRecv != nil {
		flags |= 4
	}
	out = append(out, flags)
	if r.dhRemote != nil {
		out = append(out, r.dhRemote[:]...)
	}
	out = append(out, r.rootKey[:]...)
	if r.chainSend != nil {
		out = append(out, r.chainSend[:]...)
	}
	if r.chainRecv != nil {
		out = append(out, r.chainRecv[:]...)
	}

	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], r.nSend)
	out = append(out, n[:]...)
	binary.LittleEndian.PutUint32(n[:], r.nRecv)
	out = append(out, n[:]...)
	binary.LittleEndian.PutUint32(n[:], r.pn)
	out = append(out, n[:]...)

	binary.LittleEndian.PutUint32(n[:], uint32(len(r.skipped)))
	out = append(out, n[:]...)
	for i := range r.skipped {
		out = append(out, r.skipped[i].dhPublic[:]...)
		binary.LittleEndian.PutUint32(n[:], r.skipped[i].n)
		out = append(out, n[:]...)
		out = append(out, r.skipped[i].key[:]...)
	}
	return out, nil
}

// ImportRatchet restores state exported by Export. A version mismatch is
// ErrDeserialization.
func ImportRatchet(data []byte) (*DoubleRatchet, error) {
	rd := &stateReader{buf: data}

	version, err := rd.byte()
	if err != nil {
		return nil, err
	}
	if version != ratchetStateVersion {
		return nil, fmt.Errorf("%w: unsupported state version %d", ErrDeserialization, version)
	}

	secret, err := rd.bytes32()
	if err != nil {
		return nil, err
	}
	dhSelf, err := DHKeyPairFromSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}

	flags, err := rd.byte()
	if err != nil {
		return nil, err
	}

	r := &DoubleRatchet{dhSelf: dhSelf}
	if flags&1 != 0 {
		remote, err := rd.bytes32()
		if err != nil {
			return nil, err
		}
		r.dhRemote = &remote
	}
	if r.rootKey, err = rd.bytes32(); err != nil {
		return nil, err
	}
	if flags&2 != 0 {
		chain, err := rd.bytes32()
		if err != nil {
			return nil, err
		}
		r.chainSend = &chain
	}
	if flags&4 != 0 {
		chain, err := rd.bytes32()
		if err != nil {
			return nil, err
		}
		r.chainRecv = &chain
	}
	if r.nSend, err = rd.uint32(); err != nil {
		return nil, err
	}
	if r.nRecv, err = rd.uint32(); err != nil {
		return nil, err
	}
	if r.pn, err = rd.uint32(); err != nil {
		return nil, err
	}

	count, err := rd.uint32()
	if err != nil {
		return nil, err
	}
	if count > MaxSkip {
		return nil, fmt.Errorf("%w: skipped-key count %d exceeds bound", ErrDeserialization, count)
	}
	r.skipped = make([]skippedKey, 0, count)
	for i := uint32(0); i < count; i++ {
		var sk skippedKey
		if sk.dhPublic, err = rd.bytes32(); err != nil {
			return nil, err
		}
		if sk.n, err = rd.uint32(); err != nil {
			return nil, err
		}
		if sk.key, err = rd.bytes32(); err != nil {
			return nil, err
		}
		r.skipped = append(r.skipped, sk)
	}
	if len(rd.buf) != rd.off {
		return nil, fmt.Errorf("%w: trailing bytes in ratchet state", ErrDeserialization)
	}
	return r, nil
}

// kdfRootKey is KDF_RK: HKDF-SHA256 with the root as salt and the DH output
// as input keying material, split into the next root and a chain key.
func kdfRootKey(root, dhOut [32]byte) (newRoot, chainKey [32]byte) {
	kdf := hkdf.New(sha256.New, dhOut[:], root[:], []byte(ratchetInfo))
	var buf [64]byte
	if _, err := io.ReadFull(kdf, buf[:]); err != nil {
		// Only reachable on a broken hash implementation.
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	copy(newRoot[:], buf[:32])
	copy(chainKey[:], buf[32:])
	Wipe(buf[:])
	return newRoot, chainKey
}

// kdfChainKey is KDF_CK: HMAC(ck, 0x02) keys the next chain step and
// HMAC(ck, 0x01) is the message key.
func kdfChainKey(chain [32]byte) (nextChain, messageKey [32]byte) {
	mac := hmac.New(sha256.New, chain[:])
	mac.Write([]byte{0x02})
	copy(nextChain[:], mac.Sum(nil))

	mac = hmac.New(sha256.New, chain[:])
	mac.Write([]byte{0x01})
	copy(messageKey[:], mac.Sum(nil))
	return nextChain, messageKey
}

// stateReader walks an exported state blob with bounds checks.
type stateReader struct {
	buf []byte
	off int
}

func (r *stateReader) byte() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, fmt.Errorf("%w: state truncated", ErrDeserialization)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *stateReader) bytes32() ([32]byte, error) {
	var out [32]byte
	if r.off+32 > len(r.buf) {
		return out, fmt.Errorf("%w: state truncated", ErrDeserialization)
	}
	copy(out[:], r.buf[r.off:r.off+32])
	r.off += 32
	return out, nil
}

func (r *stateReader) uint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("%w: state truncated", ErrDeserialization)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}
