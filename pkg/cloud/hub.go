// Package cloud provides the WebSocket hub that display apps connect to.
//
// A peer connects at /ws/peer/:id. The hub sends it addressed RPC requests
// and waits for the matching rpc_response, and it hands every inbound data
// packet to the OnData callback in arrival order.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-rehab/pkg/endpoint"
	"github.com/teslashibe/go-rehab/pkg/protocol"
)

// DefaultRPCTimeout bounds how long PerformRPC waits for an acknowledgement.
const DefaultRPCTimeout = 10 * time.Second

// Close codes sent to peers the hub turns away.
const (
	CloseSinglePeer = 4001 // another peer already holds the session
	CloseReplaced   = 4002 // the same peer ID connected again
)

// Sentinel errors returned by PerformRPC.
var (
	ErrPeerNotFound     = errors.New("cloud: peer not connected")
	ErrRPCTimeout       = errors.New("cloud: rpc timed out")
	ErrPeerDisconnected = errors.New("cloud: peer disconnected")
)

// writeWait bounds writes that are not part of an RPC.
const writeWait = 10 * time.Second

// Peer represents a connected display app.
type Peer struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time

	mu      sync.Mutex // guards LastSeen
	writeMu sync.Mutex // serializes writes to Conn
}

// PeerIdentity implements endpoint.Peer.
func (p *Peer) PeerIdentity() string { return p.ID }

// Send writes a message to the peer, giving up after writeWait.
func (p *Peer) Send(msg *protocol.Message) error {
	return p.sendBy(msg, time.Now().Add(writeWait))
}

// sendBy writes msg, failing once deadline passes. Time spent waiting
// behind another write counts against the deadline.
func (p *Peer) sendBy(msg *protocol.Message, deadline time.Time) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.Conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.Conn.WriteMessage(websocket.TextMessage, data)
}

func (p *Peer) close(code int, reason string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.Conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = p.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = p.Conn.Close()
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.LastSeen = time.Now()
	p.mu.Unlock()
}

type pendingCall struct {
	peer *Peer
	ch   chan *protocol.RPCResponse
}

// Option configures a Hub.
type Option func(*Hub)

// WithRPCTimeout sets how long PerformRPC waits for an acknowledgement.
func WithRPCTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.rpcTimeout = d
		}
	}
}

// WithSinglePeer makes the hub reject a second concurrent peer.
func WithSinglePeer(single bool) Option {
	return func(h *Hub) {
		h.singlePeer = single
	}
}

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Hub manages WebSocket connections from display apps.
type Hub struct {
	rpcTimeout time.Duration
	singlePeer bool
	logger     *slog.Logger

	mu      sync.RWMutex
	peers   []*Peer // connection order
	changed chan struct{}

	// Callbacks
	onData       func(peerID string, data []byte)
	onConnect    func(peerID string)
	onDisconnect func(peerID string)

	pendingMu sync.Mutex
	pending   map[string]pendingCall

	// Stats
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	dataReceived     atomic.Uint64
	rpcSent          atomic.Uint64
	rpcFailed        atomic.Uint64
	rejected         atomic.Uint64
}

// NewHub creates a new peer hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		rpcTimeout: DefaultRPCTimeout,
		logger:     slog.Default(),
		changed:    make(chan struct{}),
		pending:    make(map[string]pendingCall),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "cloud")
	return h
}

// OnData sets the callback for inbound data packets. It is called from the
// peer's read loop, so packets from one peer arrive in order and a slow
// callback stalls that peer's reads.
func (h *Hub) OnData(callback func(peerID string, data []byte)) {
	h.mu.Lock()
	h.onData = callback
	h.mu.Unlock()
}

// OnConnect sets the callback for new peers.
func (h *Hub) OnConnect(callback func(peerID string)) {
	h.mu.Lock()
	h.onConnect = callback
	h.mu.Unlock()
}

// OnDisconnect sets the callback for departed peers.
func (h *Hub) OnDisconnect(callback func(peerID string)) {
	h.mu.Lock()
	h.onDisconnect = callback
	h.mu.Unlock()
}

// RegisterRoutes registers WebSocket routes on a Fiber app
func (h *Hub) RegisterRoutes(app *fiber.App) {
	app.Use("/ws/peer", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/peer", websocket.New(h.handlePeer))
	app.Get("/ws/peer/:id", websocket.New(h.handlePeer))
}

// handlePeer handles one display app connection.
func (h *Hub) handlePeer(c *websocket.Conn) {
	peerID := c.Params("id")
	if peerID == "" {
		peerID = uuid.NewString()
	}

	now := time.Now()
	peer := &Peer{
		ID:        peerID,
		Conn:      c,
		Connected: now,
		LastSeen:  now,
	}

	replaced, ok := h.register(peer)
	if !ok {
		h.rejected.Add(1)
		h.logger.Warn("peer rejected, session already has a peer", "peer", peerID)
		peer.close(CloseSinglePeer, "another peer is already connected")
		return
	}
	if replaced != nil {
		h.logger.Info("peer reconnected, closing previous connection", "peer", peerID)
		replaced.close(CloseReplaced, "replaced by a newer connection")
	}

	h.logger.Info("peer connected", "peer", peerID, "total", h.PeerCount())

	h.mu.RLock()
	connectCb := h.onConnect
	h.mu.RUnlock()
	if connectCb != nil {
		connectCb(peerID)
	}

	defer h.unregister(peer)

	// Read loop
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("peer read error", "peer", peerID, "error", err)
			}
			return
		}

		peer.touch()
		h.messagesReceived.Add(1)

		if mt == websocket.BinaryMessage {
			h.deliver(peerID, data)
			continue
		}
		h.handleMessage(peer, data)
	}
}

// register adds peer in connection order. It returns a previous connection
// with the same ID, which the caller closes, and false if single-peer mode
// turns the peer away.
func (h *Hub) register(peer *Peer) (*Peer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := -1
	for i, p := range h.peers {
		if p.ID == peer.ID {
			idx = i
			break
		}
	}

	others := len(h.peers)
	if idx >= 0 {
		others--
	}
	if h.singlePeer && others > 0 {
		return nil, false
	}

	var replaced *Peer
	if idx >= 0 {
		replaced = h.peers[idx]
		h.peers = append(h.peers[:idx:idx], h.peers[idx+1:]...)
	}
	h.peers = append(h.peers, peer)

	close(h.changed)
	h.changed = make(chan struct{})
	return replaced, true
}

func (h *Hub) unregister(peer *Peer) {
	h.mu.Lock()
	found := false
	for i, p := range h.peers {
		if p == peer {
			h.peers = append(h.peers[:i:i], h.peers[i+1:]...)
			found = true
			break
		}
	}
	count := len(h.peers)
	disconnectCb := h.onDisconnect
	h.mu.Unlock()

	h.failPending(peer)

	if !found {
		return
	}
	h.logger.Info("peer disconnected", "peer", peer.ID, "total", count)
	if disconnectCb != nil {
		disconnectCb(peer.ID)
	}
}

// handleMessage processes a text frame. Frames that are not a known
// envelope are treated as raw data packets.
func (h *Hub) handleMessage(peer *Peer, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.deliver(peer.ID, data)
		return
	}

	switch msg.Type {
	case protocol.TypeData:
		h.deliver(peer.ID, msg.Data)

	case protocol.TypeRPCResponse:
		resp, err := msg.GetRPCResponse()
		if err != nil {
			h.logger.Warn("bad rpc response", "peer", peer.ID, "id", msg.ID, "error", err)
			return
		}
		h.resolvePending(msg.ID, resp)

	case protocol.TypePing:
		h.sendPong(peer, msg)

	case protocol.TypePong:
		// Nothing to do; LastSeen is already updated.

	default:
		h.deliver(peer.ID, data)
	}
}

func (h *Hub) deliver(peerID string, data []byte) {
	h.dataReceived.Add(1)

	h.mu.RLock()
	dataCb := h.onData
	h.mu.RUnlock()

	if dataCb != nil {
		dataCb(peerID, data)
	}
}

func (h *Hub) sendPong(peer *Peer, ping *protocol.Message) {
	pingTS := ping.Timestamp
	id := ping.ID
	if pd, err := ping.GetPingData(); err == nil && pd != nil {
		if pd.Timestamp != 0 {
			pingTS = pd.Timestamp
		}
		if pd.ID != "" {
			id = pd.ID
		}
	}

	msg, err := protocol.NewPongMessage(id, pingTS, time.Now().UnixMilli())
	if err != nil {
		return
	}
	h.messagesSent.Add(1)
	if err := peer.Send(msg); err != nil {
		h.logger.Debug("pong failed", "peer", peer.ID, "error", err)
	}
}

// PerformRPC sends method/payload to the identified peer and waits for its
// acknowledgement, the RPC timeout, or ctx, whichever comes first. A failure
// reported by the peer is returned as *protocol.RPCError.
func (h *Hub) PerformRPC(ctx context.Context, identity, method, payload string) error {
	peer := h.GetPeer(identity)
	if peer == nil {
		h.rpcFailed.Add(1)
		return fmt.Errorf("%w: %s", ErrPeerNotFound, identity)
	}

	id := uuid.NewString()
	msg, err := protocol.NewRPCRequestMessage(id, method, payload)
	if err != nil {
		h.rpcFailed.Add(1)
		return err
	}

	ch := make(chan *protocol.RPCResponse, 1)
	h.pendingMu.Lock()
	h.pending[id] = pendingCall{peer: peer, ch: ch}
	h.pendingMu.Unlock()

	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}()

	// The timeout covers the write as well as the wait for the response.
	deadline := time.Now().Add(h.rpcTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	timer := time.NewTimer(h.rpcTimeout)
	defer timer.Stop()

	h.messagesSent.Add(1)
	if err := peer.sendBy(msg, deadline); err != nil {
		h.rpcFailed.Add(1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: send %s to %s: %v", ErrRPCTimeout, method, identity, err)
		}
		return fmt.Errorf("send %s to %s: %w", method, identity, err)
	}
	h.rpcSent.Add(1)

	select {
	case resp := <-ch:
		if resp == nil {
			h.rpcFailed.Add(1)
			return fmt.Errorf("%w: %s", ErrPeerDisconnected, identity)
		}
		if resp.Error != nil {
			h.rpcFailed.Add(1)
			return resp.Error
		}
		return nil
	case <-timer.C:
		h.rpcFailed.Add(1)
		return fmt.Errorf("%w: %s after %s", ErrRPCTimeout, method, h.rpcTimeout)
	case <-ctx.Done():
		h.rpcFailed.Add(1)
		return ctx.Err()
	}
}

func (h *Hub) resolvePending(id string, resp *protocol.RPCResponse) {
	h.pendingMu.Lock()
	call, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.pendingMu.Unlock()

	if !ok {
		h.logger.Debug("rpc response without a pending call", "id", id)
		return
	}
	call.ch <- resp
}

func (h *Hub) failPending(peer *Peer) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	for id, call := range h.pending {
		if call.peer != peer {
			continue
		}
		delete(h.pending, id)
		call.ch <- nil
	}
}

// WaitForPeer blocks until at least one peer is connected and returns the
// earliest one.
func (h *Hub) WaitForPeer(ctx context.Context) (*Peer, error) {
	for {
		h.mu.RLock()
		if len(h.peers) > 0 {
			p := h.peers[0]
			h.mu.RUnlock()
			return p, nil
		}
		changed := h.changed
		h.mu.RUnlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Peers implements endpoint.PeerSource, in connection order.
func (h *Hub) Peers() []endpoint.Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]endpoint.Peer, len(h.peers))
	for i, p := range h.peers {
		out[i] = p
	}
	return out
}

// GetPeer returns a peer connection by ID
func (h *Hub) GetPeer(peerID string) *Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		if p.ID == peerID {
			return p
		}
	}
	return nil
}

// PeerCount returns the number of connected peers
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Stats contains hub statistics
type Stats struct {
	PeerCount        int    `json:"peer_count"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	DataReceived     uint64 `json:"data_received"`
	RPCSent          uint64 `json:"rpc_sent"`
	RPCFailed        uint64 `json:"rpc_failed"`
	Rejected         uint64 `json:"rejected"`
}

// GetStats returns hub statistics
func (h *Hub) GetStats() Stats {
	return Stats{
		PeerCount:        h.PeerCount(),
		MessagesReceived: h.messagesReceived.Load(),
		MessagesSent:     h.messagesSent.Load(),
		DataReceived:     h.dataReceived.Load(),
		RPCSent:          h.rpcSent.Load(),
		RPCFailed:        h.rpcFailed.Load(),
		Rejected:         h.rejected.Load(),
	}
}

// PeerInfo contains info about a connected peer
type PeerInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// GetPeerInfos returns info about all connected peers, in connection order
func (h *Hub) GetPeerInfos() []PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		p.mu.Lock()
		infos = append(infos, PeerInfo{
			ID:        p.ID,
			Connected: p.Connected,
			LastSeen:  p.LastSeen,
		})
		p.mu.Unlock()
	}
	return infos
}

// RegisterAPIRoutes registers API routes for peer management
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	peers := api.Group("/peers")

	// List connected peers
	peers.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"peers": h.GetPeerInfos(),
			"count": h.PeerCount(),
		})
	})

	// Get hub stats
	peers.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.GetStats())
	})

	// Send a raw RPC to a peer
	peers.Post("/:id/rpc", func(c *fiber.Ctx) error {
		peerID := c.Params("id")

		var req protocol.RPCRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		if req.Method == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "method is required"})
		}

		if err := h.PerformRPC(c.UserContext(), peerID, req.Method, req.Payload); err != nil {
			status := fiber.StatusBadGateway
			if errors.Is(err, ErrPeerNotFound) {
				status = fiber.StatusNotFound
			}
			return c.Status(status).JSON(fiber.Map{"error": err.Error()})
		}

		return c.JSON(fiber.Map{"status": "sent"})
	})
}
