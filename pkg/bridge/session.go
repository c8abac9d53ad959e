// Package bridge runs one coaching session: it connects the conversation
// provider's tool calls to the display app and keeps the display's reported
// state available to the tools.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-rehab/pkg/cloud"
	"github.com/teslashibe/go-rehab/pkg/conversation"
	"github.com/teslashibe/go-rehab/pkg/dispatch"
	"github.com/teslashibe/go-rehab/pkg/endpoint"
	"github.com/teslashibe/go-rehab/pkg/hub"
	"github.com/teslashibe/go-rehab/pkg/ingest"
	"github.com/teslashibe/go-rehab/pkg/state"
	"github.com/teslashibe/go-rehab/pkg/tools"
)

// ErrSessionClosed is returned by Run after Close.
var ErrSessionClosed = errors.New("bridge: session closed")

// Config holds the session settings. Flag and env parsing happen in
// cmd/rehab-agent; this struct is data only.
type Config struct {
	// Prompt is the system instruction for the model.
	Prompt string

	// Greeting, when set, asks the model to speak first once configured.
	Greeting string

	// Voice and Temperature are passed through to the provider session.
	Voice       string
	Temperature float64

	// RPCTimeout bounds each command sent to the display.
	RPCTimeout time.Duration

	// PeerIdentity pins commands to one display.
	PeerIdentity string

	// SinglePeer turns away a second display while one is connected.
	SinglePeer bool

	// WeatherURL is the base URL of the weather service.
	WeatherURL string
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTransport replaces the peer hub as the command transport.
func WithTransport(t dispatch.Transport) Option {
	return func(s *Session) {
		s.transport = t
	}
}

// WithPeerSource replaces the peer hub as the source of endpoints.
func WithPeerSource(src endpoint.PeerSource) Option {
	return func(s *Session) {
		s.peerSource = src
	}
}

// WithReconnectBackoff sets the first and the longest wait between attempts
// to restore a dropped conversation.
func WithReconnectBackoff(first, longest time.Duration) Option {
	return func(s *Session) {
		if first > 0 {
			s.backoffMin = first
		}
		if longest >= s.backoffMin {
			s.backoffMax = longest
		}
	}
}

// WithWeather replaces the weather service client.
func WithWeather(w tools.WeatherFetcher) Option {
	return func(s *Session) {
		s.weather = w
	}
}

// StateEvent is what state watchers receive.
type StateEvent struct {
	Type    string         `json:"type"`
	Version uint64         `json:"version"`
	Update  map[string]any `json:"update,omitempty"`
	State   map[string]any `json:"state"`
}

// TranscriptEvent is broadcast to state watchers for each final transcript.
type TranscriptEvent struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}

// Session owns every component of one coaching session.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	provider conversation.Provider

	store      *state.Store
	peers      *cloud.Hub
	watch      *hub.Hub
	resolver   endpoint.Resolver
	dispatcher *dispatch.Dispatcher
	ingestor   *ingest.Ingestor
	registry   *tools.Registry

	transport  dispatch.Transport
	peerSource endpoint.PeerSource
	weather    tools.WeatherFetcher

	backoffMin time.Duration
	backoffMax time.Duration

	// ctx scopes tool calls and reconnects; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	closed       bool
	calls        sync.WaitGroup
	sessionOpts  *conversation.SessionOptions
	reconnecting bool
	reconnects   atomic.Int64
}

// New builds a session around provider. Nothing talks to the network until
// Run.
func New(cfg Config, provider conversation.Provider, opts ...Option) (*Session, error) {
	if provider == nil {
		return nil, errors.New("bridge: provider is required")
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = cloud.DefaultRPCTimeout
	}
	if cfg.WeatherURL == "" {
		cfg.WeatherURL = tools.DefaultWeatherURL
	}

	s := &Session{
		cfg:      cfg,
		logger:   slog.Default(),
		provider: provider,
		store:    state.New(),
		resolver: endpoint.Resolver{Identity: cfg.PeerIdentity},

		backoffMin: 500 * time.Millisecond,
		backoffMax: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "bridge")
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.peers = cloud.NewHub(
		cloud.WithRPCTimeout(cfg.RPCTimeout),
		cloud.WithSinglePeer(cfg.SinglePeer),
		cloud.WithLogger(s.logger),
	)
	if s.transport == nil {
		s.transport = s.peers
	}
	if s.peerSource == nil {
		s.peerSource = s.peers
	}
	if s.weather == nil {
		s.weather = tools.NewWttr(cfg.WeatherURL)
	}

	s.watch = hub.New("state",
		hub.WithLogger(s.logger),
		hub.WithSnapshot(s.snapshotEvent),
	)
	s.dispatcher = dispatch.New(s.transport, s.logger)
	s.ingestor = ingest.New(s.store,
		ingest.WithLogger(s.logger),
		ingest.WithOnMerge(s.onMerge),
	)

	s.peers.OnData(s.ingestor.OnMessage)
	s.peers.OnDisconnect(s.ingestor.OnDisconnect)
	s.peers.OnConnect(func(peerID string) {
		s.logger.Info("display connected", "peer", peerID)
	})

	s.registry = tools.NewRegistry(s.logger)
	err := tools.RegisterCatalog(s.registry, tools.Deps{
		Peers:      s.peerSource,
		Resolver:   s.resolver,
		Dispatcher: s.dispatcher,
		State:      s.store,
		Weather:    s.weather,
		Logger:     s.logger,
	})
	if err != nil {
		s.cancel()
		s.ingestor.Close()
		return nil, fmt.Errorf("bridge: register tools: %w", err)
	}
	s.registry.Freeze()

	provider.OnToolCall(s.handleToolCall)
	provider.OnTranscript(s.handleTranscript)
	provider.OnError(s.handleProviderError)

	return s, nil
}

// Run waits for the first display to connect, starts the conversation and
// blocks until ctx is done or the session is closed. A cancelled ctx is not
// an error. Run must be called at most once.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	context.AfterFunc(s.ctx, stop)

	go s.watch.Run(ctx)

	s.logger.Info("waiting for display")
	peer, err := s.peers.WaitForPeer(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("bridge: wait for display: %w", err)
	}
	s.logger.Info("starting conversation", "peer", peer.ID)

	if err := s.provider.Connect(ctx); err != nil {
		return fmt.Errorf("bridge: connect provider: %w", err)
	}

	opts := conversation.DefaultSessionOptions()
	opts.SystemPrompt = s.cfg.Prompt
	if s.cfg.Voice != "" {
		opts.Voice = s.cfg.Voice
	}
	if s.cfg.Temperature > 0 {
		opts.Temperature = s.cfg.Temperature
	}
	opts.Tools = s.ConversationTools()

	if err := s.provider.ConfigureSession(opts); err != nil {
		return fmt.Errorf("bridge: configure session: %w", err)
	}
	s.mu.Lock()
	s.sessionOpts = &opts
	s.mu.Unlock()

	if s.cfg.Greeting != "" {
		if err := s.provider.RequestResponse(s.cfg.Greeting); err != nil {
			s.logger.Warn("greeting failed", "error", err)
		}
	}

	<-ctx.Done()
	return nil
}

// Close stops in-flight tool calls, drains ingestion and closes the provider.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.calls.Wait()
	s.ingestor.Close()
	return s.provider.Close()
}

// handleProviderError restores the conversation when the provider reports
// that its connection is gone. Other errors are logged.
func (s *Session) handleProviderError(err error) {
	switch {
	case conversation.IsQuotaExceeded(err):
		s.logger.Error("model quota exhausted", "error", err)
		return
	case conversation.IsRateLimited(err):
		s.logger.Warn("model rate limited", "error", err)
		return
	case !conversation.IsNotConnected(err) && !conversation.IsRetryable(err):
		s.logger.Error("conversation error", "error", err)
		return
	case s.provider.IsConnected():
		s.logger.Warn("conversation error", "error", err)
		return
	}

	s.mu.Lock()
	if s.closed || s.sessionOpts == nil || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	opts := *s.sessionOpts
	s.calls.Add(1)
	s.mu.Unlock()

	s.logger.Warn("conversation dropped", "error", err)
	go func() {
		defer s.calls.Done()
		for {
			restored := s.reconnect(opts)

			// A drop reported while reconnecting found the flag set.
			s.mu.Lock()
			if !restored || s.closed || s.provider.IsConnected() {
				s.reconnecting = false
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
		}
	}()
}

// reconnect dials and reconfigures the provider with backoff. It returns
// false if it gave up because the quota ran out or the session closed. The
// greeting is not repeated.
func (s *Session) reconnect(opts conversation.SessionOptions) bool {
	wait := s.backoffMin
	for attempt := 1; ; attempt++ {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(wait):
		}

		err := s.provider.Connect(s.ctx)
		if err == nil || errors.Is(err, conversation.ErrAlreadyConnected) {
			if err = s.provider.ConfigureSession(opts); err == nil {
				s.reconnects.Add(1)
				s.logger.Info("conversation restored", "attempts", attempt)
				return true
			}
		}
		if s.ctx.Err() != nil {
			return false
		}
		if conversation.IsQuotaExceeded(err) {
			s.logger.Error("giving up on conversation", "error", err)
			return false
		}
		s.logger.Warn("reconnect failed", "attempt", attempt, "error", err)

		wait = min(wait*2, s.backoffMax)
		if conversation.IsRateLimited(err) {
			wait = s.backoffMax
		}
	}
}

// ConversationTools describes the registered tools to the provider.
func (s *Session) ConversationTools() []conversation.Tool {
	descs := s.registry.Descriptors()
	out := make([]conversation.Tool, len(descs))
	for i, d := range descs {
		out[i] = conversation.Tool{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Schema(),
			Required:    d.Required(),
		}
	}
	return out
}

// handleToolCall runs the tool off the provider's read loop, so a slow
// display never blocks transcripts or state updates.
func (s *Session) handleToolCall(id, name string, args map[string]any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("tool call after close", "name", name)
		return
	}
	s.calls.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.calls.Done()

		result := s.registry.Invoke(s.ctx, name, tools.Flatten(args))
		if err := s.provider.SubmitToolResult(id, result); err != nil {
			s.logger.Error("submit tool result failed", "name", name, "call_id", id, "error", err)
		}
	}()
}

func (s *Session) handleTranscript(role, text string, isFinal bool) {
	if !isFinal || text == "" {
		return
	}
	s.logger.Info("transcript", "role", role, "text", text)
	if err := s.watch.BroadcastJSON(TranscriptEvent{Type: "transcript", Role: role, Text: text}); err != nil {
		s.logger.Warn("broadcast transcript failed", "error", err)
	}
}

func (s *Session) onMerge(update map[string]any) {
	ev := StateEvent{
		Type:    "state",
		Version: s.store.Version(),
		Update:  update,
		State:   s.store.Snapshot(),
	}
	if err := s.watch.BroadcastJSON(ev); err != nil {
		s.logger.Warn("broadcast state failed", "error", err)
	}
}

func (s *Session) snapshotEvent() ([]byte, error) {
	return json.Marshal(StateEvent{
		Type:    "state",
		Version: s.store.Version(),
		State:   s.store.Snapshot(),
	})
}

// Invoke runs a tool by name, as the model would.
func (s *Session) Invoke(ctx context.Context, name string, args map[string]string) string {
	return s.registry.Invoke(ctx, name, args)
}

// Say sends a user message to the model.
func (s *Session) Say(text string) error {
	return s.provider.SendText(text)
}

// Flush waits until every queued inbound message is merged.
func (s *Session) Flush(ctx context.Context) error {
	return s.ingestor.Flush(ctx)
}

// Peers returns the peer hub.
func (s *Session) Peers() *cloud.Hub { return s.peers }

// Watch returns the state watch hub.
func (s *Session) Watch() *hub.Hub { return s.watch }

// Store returns the shared state.
func (s *Session) Store() *state.Store { return s.store }

// Registry returns the frozen tool registry.
func (s *Session) Registry() *tools.Registry { return s.registry }

// ConversationStats describes the model connection.
type ConversationStats struct {
	Connected  bool  `json:"connected"`
	Ready      bool  `json:"ready"`
	Reconnects int64 `json:"reconnects"`

	// Traffic is empty for providers that keep no counters.
	Traffic conversation.Metrics `json:"traffic"`
}

// Stats aggregates component counters.
type Stats struct {
	Peers        cloud.Stats       `json:"peers"`
	Dispatch     dispatch.Stats    `json:"dispatch"`
	Ingest       ingest.Stats      `json:"ingest"`
	Tools        tools.Stats       `json:"tools"`
	StateVersion uint64            `json:"state_version"`
	StateKeys    int               `json:"state_keys"`
	Watchers     int               `json:"watchers"`
	Conversation ConversationStats `json:"conversation"`
}

// Stats returns a snapshot of all counters.
func (s *Session) Stats() Stats {
	conv := ConversationStats{
		Connected:  s.provider.IsConnected(),
		Ready:      s.provider.IsConnected(),
		Reconnects: s.reconnects.Load(),
	}
	if r, ok := s.provider.(conversation.Reporter); ok {
		conv.Ready = r.IsReady()
		conv.Traffic = r.Metrics()
	}

	return Stats{
		Peers:        s.peers.GetStats(),
		Dispatch:     s.dispatcher.Stats(),
		Ingest:       s.ingestor.Stats(),
		Tools:        s.registry.Stats(),
		StateVersion: s.store.Version(),
		StateKeys:    s.store.Len(),
		Watchers:     s.watch.ClientCount(),
		Conversation: conv,
	}
}
