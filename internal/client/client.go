// Package client is the connection layer a front-end (terminal UI or
// browser binding) drives: it speaks the wire protocol to a relay, runs the
// cryptographic core for every conversation, and persists sessions through
// the local store. Plaintext exists only on this side of the socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/punitmishra/chai.im/internal/crypto"
	"github.com/punitmishra/chai.im/internal/protocol"
	"github.com/punitmishra/chai.im/internal/store"
)

const (
	bundleTimeout = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// ErrNoBundle means the peer never published prekeys, so no session can be
// established.
var ErrNoBundle = errors.New("peer has no published prekey bundle")

// Handlers are the front-end callbacks. Nil callbacks are skipped.
type Handlers struct {
	OnMessage  func(senderID uuid.UUID, plaintext []byte)
	OnPresence func(userID uuid.UUID, online bool)
	OnTyping   func(userID uuid.UUID, typing bool)
	OnReceipt  func(messageID uuid.UUID, read bool)
	OnError    func(code protocol.ErrorCode, message string)
}

// Client multiplexes one relay connection for one local identity.
type Client struct {
	conn     *websocket.Conn
	userID   uuid.UUID
	registry *crypto.Registry
	store    *store.SQLiteStore
	handlers Handlers

	mu sync.Mutex
	// bundleWaiters correlates PrekeyBundle responses with pending
	// EnsureSession calls.
	bundleWaiters map[uuid.UUID][]chan *protocol.PrekeyBundleData
	// pendingIntro holds the X3DH initial message until the first
	// ciphertext to that peer goes out Prekey-typed.
	pendingIntro map[uuid.UUID]*crypto.InitialMessage

	// cryptoMu serializes registry use: the ratchet state is owned by one
	// task at a time, and both the read loop and callers touch it.
	cryptoMu sync.Mutex

	writeMu sync.Mutex
	done    chan struct{}
}

// Dial connects and authenticates against a relay. wsURL is the ws:// or
// wss:// endpoint without the token parameter.
func Dial(ctx context.Context, wsURL, token string, userID uuid.UUID, registry *crypto.Registry, st *store.SQLiteStore, handlers Handlers) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL+"?token="+token, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		conn:          conn,
		userID:        userID,
		registry:      registry,
		store:         st,
		handlers:      handlers,
		bundleWaiters: make(map[uuid.UUID][]chan *protocol.PrekeyBundleData),
		pendingIntro:  make(map[uuid.UUID]*crypto.InitialMessage),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	go c.keepAlive()
	return c, nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}

// PublishKeys uploads the registry's bundle and a fresh batch of one-time
// prekeys, then persists the registry so prekey secrets survive restarts.
func (c *Client) PublishKeys(oneTimeCount int) error {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()

	spk := c.registry.SignedPreKey()
	spkPub := spk.PublicKey()
	identity := c.registry.Identity().PublicKey()

	if err := c.send(protocol.UploadPrekeyBundle{Bundle: protocol.PrekeyBundleData{
		IdentityKey:           identity[:],
		SignedPrekey:          spkPub[:],
		SignedPrekeySignature: spk.Signature,
		SignedPrekeyID:        spk.ID,
	}}); err != nil {
		return err
	}

	fresh, err := c.registry.GenerateOneTimePreKeys(oneTimeCount)
	if err != nil {
		return err
	}
	batch := make([]protocol.OneTimePrekey, 0, len(fresh))
	for _, pk := range fresh {
		pub := pk.PublicKey()
		batch = append(batch, protocol.OneTimePrekey{ID: pk.ID, Key: pub[:]})
	}
	if err := c.send(protocol.UploadOneTimePrekeys{Prekeys: batch}); err != nil {
		return err
	}
	return c.store.SaveRegistry(c.registry)
}

// SendText encrypts and sends one message, establishing the session first
// if this is first contact with the peer.
func (c *Client) SendText(ctx context.Context, peerID uuid.UUID, plaintext []byte) error {
	if err := c.EnsureSession(ctx, peerID); err != nil {
		return err
	}

	peer := peerID.String()
	c.cryptoMu.Lock()
	env, err := c.registry.Encrypt(peer, plaintext)
	c.cryptoMu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	intro := c.pendingIntro[peerID]
	delete(c.pendingIntro, peerID)
	c.mu.Unlock()

	frame := protocol.SendMessage{
		RecipientID:    peerID,
		ConversationID: conversationFor(c.userID, peerID),
		MessageType:    protocol.MessageTypeNormal,
		Ciphertext:     env.Encode(),
	}
	if intro != nil {
		frame.MessageType = protocol.MessageTypePrekey
		frame.Ciphertext = crypto.EncodePreKeyMessage(intro, env)
	}
	if err := c.send(frame); err != nil {
		return err
	}

	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	return c.persistSession(peer)
}

// EnsureSession establishes a ratchet session with the peer when none
// exists yet, fetching their bundle over the wire.
func (c *Client) EnsureSession(ctx context.Context, peerID uuid.UUID) error {
	peer := peerID.String()
	c.cryptoMu.Lock()
	_, established := c.registry.Session(peer)
	c.cryptoMu.Unlock()
	if established {
		return nil
	}

	waiter := make(chan *protocol.PrekeyBundleData, 1)
	c.mu.Lock()
	c.bundleWaiters[peerID] = append(c.bundleWaiters[peerID], waiter)
	c.mu.Unlock()

	if err := c.send(protocol.GetPrekeyBundle{UserID: peerID}); err != nil {
		return err
	}

	var data *protocol.PrekeyBundleData
	select {
	case data = <-waiter:
	case <-time.After(bundleTimeout):
		return errors.New("timed out waiting for prekey bundle")
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.New("connection closed")
	}
	if data == nil {
		return ErrNoBundle
	}

	bundle, err := bundleFromWire(data)
	if err != nil {
		return err
	}

	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	// A concurrent call or an inbound first contact may have won the race.
	if _, ok := c.registry.Session(peer); ok {
		return nil
	}
	initial, err := c.registry.InitiateSession(peer, bundle)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pendingIntro[peerID] = initial
	c.mu.Unlock()
	return c.persistSession(peer)
}

// SubscribePresence asks the relay for presence of the given users.
func (c *Client) SubscribePresence(userIDs []uuid.UUID) error {
	return c.send(protocol.SubscribePresence{UserIDs: userIDs})
}

// readLoop decodes server frames and drives callbacks until the connection
// drops.
func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeServerFrameAuto(data)
		if err != nil {
			log.Printf("[client] undecodable frame: %v", err)
			continue
		}

		switch f := frame.(type) {
		case protocol.Message:
			c.handleIncoming(f)
		case protocol.PrekeyBundle:
			c.mu.Lock()
			waiters := c.bundleWaiters[f.UserID]
			delete(c.bundleWaiters, f.UserID)
			c.mu.Unlock()
			for _, waiter := range waiters {
				waiter <- f.Bundle
			}
		case protocol.PresenceUpdate:
			if c.handlers.OnPresence != nil {
				c.handlers.OnPresence(f.UserID, f.Online)
			}
		case protocol.TypingIndicator:
			if c.handlers.OnTyping != nil {
				c.handlers.OnTyping(f.UserID, f.IsTyping)
			}
		case protocol.MessageDelivered:
			if c.handlers.OnReceipt != nil {
				c.handlers.OnReceipt(f.MessageID, false)
			}
		case protocol.MessageRead:
			if c.handlers.OnReceipt != nil {
				c.handlers.OnReceipt(f.MessageID, true)
			}
		case protocol.LowPrekeys:
			// Replenish the pool without waiting for the front-end.
			if err := c.PublishKeys(20); err != nil {
				log.Printf("[client] replenish prekeys: %v", err)
			}
		case protocol.Error:
			if c.handlers.OnError != nil {
				c.handlers.OnError(f.Code, f.Message)
			}
		case protocol.MessageSent, protocol.Pong, protocol.ReactionAdded, protocol.ReactionRemoved:
			// Nothing to do beyond liveness.
		}
	}
}

// handleIncoming decrypts a delivered message, bootstrapping the session
// from a Prekey-typed first contact when needed, then acks.
func (c *Client) handleIncoming(f protocol.Message) {
	peer := f.SenderID.String()

	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()

	var plaintext []byte
	var err error
	switch f.MessageType {
	case protocol.MessageTypePrekey:
		initial, env, decodeErr := crypto.DecodePreKeyMessage(f.Ciphertext)
		if decodeErr != nil {
			log.Printf("[client] bad prekey message from %s: %v", peer, decodeErr)
			return
		}
		if _, ok := c.registry.Session(peer); !ok {
			if err := c.registry.ReceiveSession(peer, initial); err != nil {
				log.Printf("[client] session setup from %s failed: %v", peer, err)
				return
			}
			// The consumed one-time prekey must not come back after a
			// restart.
			if err := c.store.SaveRegistry(c.registry); err != nil {
				log.Printf("[client] persist registry: %v", err)
			}
		}
		plaintext, err = c.registry.Decrypt(peer, env)
	default:
		env, decodeErr := crypto.DecodeEnvelope(f.Ciphertext)
		if decodeErr != nil {
			log.Printf("[client] bad envelope from %s: %v", peer, decodeErr)
			return
		}
		plaintext, err = c.registry.Decrypt(peer, env)
	}
	if err != nil {
		// Decryption failures leave the session untouched; drop the frame
		// and let the peer retransmit.
		log.Printf("[client] decrypt from %s failed: %v", peer, err)
		return
	}

	if err := c.persistSession(peer); err != nil {
		log.Printf("[client] persist session: %v", err)
	}
	if err := c.send(protocol.AckMessages{MessageIDs: []uuid.UUID{f.ID}}); err != nil {
		log.Printf("[client] ack: %v", err)
	}
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(f.SenderID, plaintext)
	}
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(protocol.Ping{}); err != nil {
				return
			}
		}
	}
}

func (c *Client) send(frame protocol.ClientFrame) error {
	data, err := protocol.EncodeClientFrame(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// persistSession writes the current session state to the local store. The
// caller must hold cryptoMu.
func (c *Client) persistSession(peer string) error {
	session, ok := c.registry.Session(peer)
	if !ok {
		return nil
	}
	return c.store.SaveSession(session)
}

func bundleFromWire(data *protocol.PrekeyBundleData) (*crypto.PreKeyBundle, error) {
	if len(data.IdentityKey) != 32 || len(data.SignedPrekey) != 32 {
		return nil, errors.New("malformed bundle")
	}
	bundle := &crypto.PreKeyBundle{
		SignedPreKeyID:        data.SignedPrekeyID,
		SignedPreKeySignature: data.SignedPrekeySignature,
	}
	copy(bundle.IdentityKey[:], data.IdentityKey)
	copy(bundle.SignedPreKey[:], data.SignedPrekey)
	if data.OneTimePrekey != nil && data.OneTimePrekeyID != nil {
		if len(data.OneTimePrekey) != 32 {
			return nil, errors.New("malformed one-time prekey")
		}
		var otp [32]byte
		copy(otp[:], data.OneTimePrekey)
		bundle.OneTimePreKey = &otp
		bundle.OneTimePreKeyID = data.OneTimePrekeyID
	}
	if err := bundle.Verify(); err != nil {
		return nil, err
	}
	return bundle, nil
}

// conversationFor mirrors the relay's stable DM conversation id derivation.
func conversationFor(a, b uuid.UUID) uuid.UUID {
	lo, hi := a, b
	for i := 0; i < len(lo); i++ {
		if lo[i] != hi[i] {
			if lo[i] > hi[i] {
				lo, hi = hi, lo
			}
			break
		}
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, append(lo[:], hi[:]...))
}
