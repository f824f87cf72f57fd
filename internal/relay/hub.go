// Package relay implements the connection engine: per-connection pumps, the
// shared connection registry, frame dispatch, presence bookkeeping and
// store-and-forward delivery. The engine only ever handles ciphertext.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/punitmishra/chai.im/internal/db"
	"github.com/punitmishra/chai.im/internal/metrics"
	"github.com/punitmishra/chai.im/internal/protocol"
	"github.com/punitmishra/chai.im/internal/pubsub"
)

// lowPrekeyWatermark triggers a LowPrekeys warning to the bundle owner.
const lowPrekeyWatermark = 10

// Hub owns the connection registry and routes frames. Reads (fan-out) take
// the shared lock; writes happen only on connect/disconnect.
type Hub struct {
	serverID string
	store    Store
	redis    *pubsub.RedisClient // nil for single-instance deployments

	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]bool
	// watchers maps a watched user to the users subscribed to their
	// presence transitions.
	watchers map[uuid.UUID]map[uuid.UUID]bool
}

// NewHub creates the engine. redis may be nil; cross-relay routing and
// presence fan-out are then disabled.
func NewHub(serverID string, store Store, redis *pubsub.RedisClient) *Hub {
	return &Hub{
		serverID: serverID,
		store:    store,
		redis:    redis,
		clients:  make(map[uuid.UUID]map[*Client]bool),
		watchers: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

// Register adds a connection, announces presence, and replays undelivered
// messages into the outbound queue before any inbound frame is processed.
// Call it after starting the client's write pump and before its read pump.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.UserID]; !ok {
		h.clients[client.UserID] = make(map[*Client]bool)
	}
	first := len(h.clients[client.UserID]) == 0
	h.clients[client.UserID][client] = true
	h.mu.Unlock()

	metrics.ActiveConnections.WithLabelValues(h.serverID).Inc()
	log.Printf("[hub] connected user=%s device=%s", client.UserID, client.DeviceID)

	if h.redis != nil {
		if err := h.redis.RegisterConnection(context.Background(), client.UserID, h.serverID); err != nil {
			log.Printf("[hub] redis register: %v", err)
		}
	}
	if first {
		h.broadcastPresence(client.UserID, true)
	}

	h.replayUndelivered(client)
}

// Unregister removes a connection and announces the offline transition when
// it was the user's last one.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	conns, ok := h.clients[client.UserID]
	if !ok || !conns[client] {
		h.mu.Unlock()
		return
	}
	delete(conns, client)
	last := len(conns) == 0
	if last {
		delete(h.clients, client.UserID)
	}
	h.mu.Unlock()

	client.closeSend()
	metrics.ActiveConnections.WithLabelValues(h.serverID).Dec()
	log.Printf("[hub] disconnected user=%s device=%s", client.UserID, client.DeviceID)

	if last {
		if h.redis != nil {
			if err := h.redis.UnregisterConnection(context.Background(), client.UserID, h.serverID); err != nil {
				log.Printf("[hub] redis unregister: %v", err)
			}
		}
		h.broadcastPresence(client.UserID, false)
	}
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.clients {
		for client := range conns {
			client.closeSend()
		}
	}
	h.clients = make(map[uuid.UUID]map[*Client]bool)
}

// HandleFrame dispatches one decoded client frame.
func (h *Hub) HandleFrame(client *Client, frame protocol.ClientFrame) {
	metrics.FramesTotal.WithLabelValues(h.serverID, frameLabel(frame), "in").Inc()

	switch f := frame.(type) {
	case protocol.SendMessage:
		h.handleSendMessage(client, f)
	case protocol.GetPrekeyBundle:
		h.handleGetPrekeyBundle(client, f)
	case protocol.UploadPrekeyBundle:
		h.handleUploadPrekeyBundle(client, f)
	case protocol.UploadOneTimePrekeys:
		h.handleUploadOneTimePrekeys(client, f)
	case protocol.AckMessages:
		h.handleAckMessages(client, f)
	case protocol.Ping:
		if h.redis != nil {
			_ = h.redis.RefreshConnection(context.Background(), client.UserID)
		}
		h.sendTo(client, protocol.Pong{})
	case protocol.SubscribePresence:
		h.handleSubscribePresence(client, f)
	case protocol.TypingStart:
		h.forwardTyping(client, f.RecipientID, f.ConversationID, true)
	case protocol.TypingStop:
		h.forwardTyping(client, f.RecipientID, f.ConversationID, false)
	case protocol.AddReaction:
		h.forwardReaction(client, f.MessageID, f.ConversationID, f.Emoji, true)
	case protocol.RemoveReaction:
		h.forwardReaction(client, f.MessageID, f.ConversationID, f.Emoji, false)
	case protocol.MarkRead:
		h.handleMarkRead(client, f)
	default:
		h.sendTo(client, protocol.Error{Code: protocol.ErrorInvalidMessage, Message: "unsupported frame"})
	}
}

// handleSendMessage persists first, fans out to every online connection of
// the recipient, and always confirms the commit to the sender.
func (h *Hub) handleSendMessage(client *Client, f protocol.SendMessage) {
	if !f.MessageType.Valid() {
		h.sendTo(client, protocol.Error{Code: protocol.ErrorInvalidMessage, Message: "bad message type"})
		return
	}

	stored, err := h.store.SaveMessage(client.UserID, f.RecipientID, f.Ciphertext, int16(f.MessageType))
	if err != nil {
		log.Printf("[hub] save message: %v", err)
		h.sendTo(client, protocol.Error{Code: protocol.ErrorInternal, Message: "failed to store message"})
		return
	}
	metrics.MessagesStored.Inc()

	delivery := protocol.Message{
		ID:             stored.ID,
		SenderID:       client.UserID,
		ConversationID: f.ConversationID,
		Ciphertext:     f.Ciphertext,
		MessageType:    f.MessageType,
		Timestamp:      stored.CreatedAt.Unix(),
	}

	// Best effort to everyone online; offline recipients get the message on
	// reconnect replay.
	if n := h.sendToUser(f.RecipientID, delivery); n > 0 {
		metrics.MessagesDelivered.WithLabelValues("live").Add(float64(n))
	}
	h.routeRemote(f.RecipientID, delivery)

	// MessageSent happens-after the store commit.
	h.sendTo(client, protocol.MessageSent{MessageID: stored.ID})
}

// handleGetPrekeyBundle pops at most one one-time prekey under the store's
// row lock and warns the owner when the pool runs low.
func (h *Hub) handleGetPrekeyBundle(client *Client, f protocol.GetPrekeyBundle) {
	user, err := h.store.GetUserByID(f.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.sendTo(client, protocol.Error{Code: protocol.ErrorUserNotFound, Message: "unknown user"})
		} else {
			log.Printf("[hub] get user: %v", err)
			h.sendTo(client, protocol.Error{Code: protocol.ErrorInternal, Message: "storage error"})
		}
		return
	}

	row, err := h.store.GetPrekeyBundle(f.UserID)
	if errors.Is(err, db.ErrNotFound) {
		h.sendTo(client, protocol.PrekeyBundle{UserID: f.UserID})
		return
	}
	if err != nil {
		log.Printf("[hub] get bundle: %v", err)
		h.sendTo(client, protocol.Error{Code: protocol.ErrorInternal, Message: "storage error"})
		return
	}

	bundle := &protocol.PrekeyBundleData{
		IdentityKey:           user.IdentityKey,
		SignedPrekey:          row.SignedPrekey,
		SignedPrekeySignature: row.SignedPrekeySignature,
		SignedPrekeyID:        uint32(row.PrekeyID),
	}

	oneTime, err := h.store.ConsumeOneTimePrekey(f.UserID)
	if err != nil {
		log.Printf("[hub] consume prekey: %v", err)
	} else if oneTime != nil {
		id := uint32(oneTime.PrekeyID)
		bundle.OneTimePrekey = oneTime.Prekey
		bundle.OneTimePrekeyID = &id
		metrics.PrekeysConsumed.Inc()
	}

	h.sendTo(client, protocol.PrekeyBundle{UserID: f.UserID, Bundle: bundle})

	if remaining, err := h.store.CountOneTimePrekeys(f.UserID); err == nil && remaining < lowPrekeyWatermark {
		if h.sendToUser(f.UserID, protocol.LowPrekeys{Remaining: uint32(remaining)}) > 0 {
			metrics.LowPrekeyWarnings.Inc()
		}
	}
}

func (h *Hub) handleUploadPrekeyBundle(client *Client, f protocol.UploadPrekeyBundle) {
	err := h.store.StorePrekeyBundle(client.UserID, f.Bundle.SignedPrekey, f.Bundle.SignedPrekeySignature, int32(f.Bundle.SignedPrekeyID))
	if err != nil {
		log.Printf("[hub] store bundle: %v", err)
		h.sendTo(client, protocol.Error{Code: protocol.ErrorInternal, Message: "failed to store bundle"})
	}
}

func (h *Hub) handleUploadOneTimePrekeys(client *Client, f protocol.UploadOneTimePrekeys) {
	rows := make([]db.OneTimePrekeyRow, 0, len(f.Prekeys))
	for _, pk := range f.Prekeys {
		rows = append(rows, db.OneTimePrekeyRow{Prekey: pk.Key, PrekeyID: int32(pk.ID)})
	}
	if _, err := h.store.StoreOneTimePrekeys(client.UserID, rows); err != nil {
		log.Printf("[hub] store one-time prekeys: %v", err)
		h.sendTo(client, protocol.Error{Code: protocol.ErrorInternal, Message: "failed to store prekeys"})
	}
}

// handleAckMessages marks rows delivered and relays the receipt to each
// message's sender.
func (h *Hub) handleAckMessages(client *Client, f protocol.AckMessages) {
	if _, err := h.store.MarkDelivered(f.MessageIDs); err != nil {
		log.Printf("[hub] mark delivered: %v", err)
		h.sendTo(client, protocol.Error{Code: protocol.ErrorInternal, Message: "failed to ack"})
		return
	}
	for _, id := range f.MessageIDs {
		msg, err := h.store.GetMessage(id)
		if err != nil {
			continue
		}
		receipt := protocol.MessageDelivered{MessageID: id}
		h.sendToUser(msg.SenderID, receipt)
		h.routeRemote(msg.SenderID, receipt)
	}
}

// handleSubscribePresence answers with current state for every requested
// user and registers the watcher for future transitions. LowPrekeys and
// PrekeyBundle responses may interleave; watchers must not assume ordering.
func (h *Hub) handleSubscribePresence(client *Client, f protocol.SubscribePresence) {
	h.mu.Lock()
	for _, target := range f.UserIDs {
		if _, ok := h.watchers[target]; !ok {
			h.watchers[target] = make(map[uuid.UUID]bool)
		}
		h.watchers[target][client.UserID] = true
	}
	h.mu.Unlock()

	for _, target := range f.UserIDs {
		h.sendTo(client, protocol.PresenceUpdate{UserID: target, Online: h.isOnline(target)})
	}
}

func (h *Hub) forwardTyping(client *Client, recipientID, conversationID uuid.UUID, typing bool) {
	indicator := protocol.TypingIndicator{
		UserID:         client.UserID,
		ConversationID: conversationID,
		IsTyping:       typing,
	}
	h.sendToUser(recipientID, indicator)
	h.routeRemote(recipientID, indicator)
}

// forwardReaction routes a reaction to the conversation counterparty,
// resolved through the referenced message row.
func (h *Hub) forwardReaction(client *Client, messageID, conversationID uuid.UUID, emoji string, added bool) {
	msg, err := h.store.GetMessage(messageID)
	if err != nil {
		h.sendTo(client, protocol.Error{Code: protocol.ErrorInvalidMessage, Message: "unknown message"})
		return
	}
	peer := msg.SenderID
	if peer == client.UserID {
		peer = msg.RecipientID
	}

	var frame protocol.ServerFrame
	if added {
		frame = protocol.ReactionAdded{MessageID: messageID, ConversationID: conversationID, UserID: client.UserID, Emoji: emoji}
	} else {
		frame = protocol.ReactionRemoved{MessageID: messageID, ConversationID: conversationID, UserID: client.UserID, Emoji: emoji}
	}
	h.sendToUser(peer, frame)
	h.routeRemote(peer, frame)
}

// handleMarkRead relays read marks to each message's sender. Reading
// implies delivery, so unacked rows transition too.
func (h *Hub) handleMarkRead(client *Client, f protocol.MarkRead) {
	if _, err := h.store.MarkDelivered(f.MessageIDs); err != nil {
		log.Printf("[hub] mark delivered on read: %v", err)
	}
	for _, id := range f.MessageIDs {
		msg, err := h.store.GetMessage(id)
		if err != nil {
			continue
		}
		receipt := protocol.MessageRead{MessageID: id}
		h.sendToUser(msg.SenderID, receipt)
		h.routeRemote(msg.SenderID, receipt)
	}
}

// replayUndelivered queues every unacked message for the user in ascending
// insertion order. Rows stay undelivered until the client acks.
func (h *Hub) replayUndelivered(client *Client) {
	pending, err := h.store.GetUndelivered(client.UserID)
	if err != nil {
		log.Printf("[hub] replay fetch: %v", err)
		return
	}
	for _, msg := range pending {
		frame := protocol.Message{
			ID:             msg.ID,
			SenderID:       msg.SenderID,
			ConversationID: conversationFor(msg.SenderID, msg.RecipientID),
			Ciphertext:     msg.Ciphertext,
			MessageType:    protocol.MessageType(msg.MessageType),
			Timestamp:      msg.CreatedAt.Unix(),
		}
		if !client.SendFrame(frame) {
			h.drop(client)
			return
		}
		metrics.MessagesDelivered.WithLabelValues("replay").Inc()
	}
	if len(pending) > 0 {
		log.Printf("[hub] replayed %d messages to user=%s", len(pending), client.UserID)
	}
}

// broadcastPresence notifies local watchers and the other relay instances.
func (h *Hub) broadcastPresence(userID uuid.UUID, online bool) {
	h.notifyWatchers(userID, online)
	if h.redis != nil {
		if err := h.redis.PublishPresence(context.Background(), userID, online, h.serverID); err != nil {
			log.Printf("[hub] publish presence: %v", err)
		}
	}
}

func (h *Hub) notifyWatchers(userID uuid.UUID, online bool) {
	h.mu.RLock()
	watcherIDs := make([]uuid.UUID, 0, len(h.watchers[userID]))
	for watcher := range h.watchers[userID] {
		watcherIDs = append(watcherIDs, watcher)
	}
	h.mu.RUnlock()

	update := protocol.PresenceUpdate{UserID: userID, Online: online}
	for _, watcher := range watcherIDs {
		h.sendToUser(watcher, update)
	}
}

// DeliverRouted implements pubsub.PeerHandler: a frame another instance
// routed to one of our users.
func (h *Hub) DeliverRouted(userID uuid.UUID, data []byte) {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients[userID]))
	for client := range h.clients[userID] {
		conns = append(conns, client)
	}
	h.mu.RUnlock()

	for _, client := range conns {
		if !client.enqueue(data) {
			h.drop(client)
		}
	}
}

// PresenceFromPeer implements pubsub.PeerHandler.
func (h *Hub) PresenceFromPeer(userID uuid.UUID, online bool, originServerID string) {
	if originServerID == h.serverID {
		return
	}
	h.notifyWatchers(userID, online)
}

// sendTo delivers one frame to one connection, dropping it on backpressure.
func (h *Hub) sendTo(client *Client, frame protocol.ServerFrame) {
	metrics.FramesTotal.WithLabelValues(h.serverID, frameLabel(frame), "out").Inc()
	if !client.SendFrame(frame) {
		h.drop(client)
	}
}

// sendToUser fans a frame out to every local connection of a user; a send
// failure on one handle does not block the others. Returns the number of
// connections reached.
func (h *Hub) sendToUser(userID uuid.UUID, frame protocol.ServerFrame) int {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients[userID]))
	for client := range h.clients[userID] {
		conns = append(conns, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range conns {
		if client.SendFrame(frame) {
			sent++
		} else {
			h.drop(client)
		}
	}
	if sent > 0 {
		metrics.FramesTotal.WithLabelValues(h.serverID, frameLabel(frame), "out").Add(float64(sent))
	}
	return sent
}

// routeRemote publishes a frame to the other instances holding connections
// for the user.
func (h *Hub) routeRemote(userID uuid.UUID, frame protocol.ServerFrame) {
	if h.redis == nil {
		return
	}
	servers, err := h.redis.UserServers(context.Background(), userID)
	if err != nil {
		log.Printf("[hub] user servers: %v", err)
		return
	}
	var encoded []byte
	for _, server := range servers {
		if server == h.serverID {
			continue
		}
		if encoded == nil {
			encoded, err = protocol.EncodeServerFrameJSON(frame)
			if err != nil {
				log.Printf("[hub] encode routed frame: %v", err)
				return
			}
		}
		if err := h.redis.PublishToServer(context.Background(), server, userID, encoded); err != nil {
			log.Printf("[hub] publish to %s: %v", server, err)
		}
	}
}

// isOnline checks local connections first, then the cross-instance registry.
func (h *Hub) isOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	local := len(h.clients[userID]) > 0
	h.mu.RUnlock()
	if local {
		return true
	}
	if h.redis == nil {
		return false
	}
	servers, err := h.redis.UserServers(context.Background(), userID)
	return err == nil && len(servers) > 0
}

// drop disconnects a client whose queue is full.
func (h *Hub) drop(client *Client) {
	metrics.DroppedConnections.Inc()
	log.Printf("[hub] dropping slow client user=%s device=%s", client.UserID, client.DeviceID)
	go h.Unregister(client)
}

// conversationFor derives the stable DM conversation id for a user pair; the
// same pair always maps to the same id regardless of direction.
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

// frameLabel names a frame for metrics.
func frameLabel(frame interface{}) string {
	return fmt.Sprintf("%T", frame)[len("protocol."):]
}
