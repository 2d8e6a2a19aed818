// Package chat implements the conversation session controller: per-agent
// identity bootstrap, history loading, message dispatch and the merged
// display view of one client session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ashureev/agentchat/internal/agent"
	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/identity"
)

// DefaultErrorPlaceholder is the assistant text shown when a send fails.
const DefaultErrorPlaceholder = "Error contacting server."

var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrNoAgent      = errors.New("no agent selected")
	ErrBusy         = errors.New("a reply is still in progress")
)

// Config wires a Controller.
type Config struct {
	Agents    []domain.AgentDescriptor
	Store     identity.Store
	Backend   agent.Backend
	Generator *identity.Generator
	Params    agent.GenerationParams

	// Streaming makes Submit dispatch through Stream instead of Send.
	Streaming        bool
	ErrorPlaceholder string

	// DeviceID, SessionID and Channel label conversation log events.
	DeviceID        string
	SessionID       string
	Channel         string
	ConversationLog ConversationLogger
	Logger          *slog.Logger
}

type liveMessage struct {
	seq uint64
	msg domain.Message
}

// agentSession is the state of one agent within the client session.
// All fields are guarded by Controller.mu.
type agentSession struct {
	state   domain.AgentState
	history []domain.Message
	live    []liveMessage

	// fetchGen orders history fetches; epoch changes on reset so that
	// continuations started before it are dropped.
	fetchGen uint64
	epoch    uint64
	pending  int

	status domain.TransportStatus
	banner string
}

func newAgentSession() *agentSession {
	return &agentSession{
		state:  domain.StateUninitialized,
		status: domain.TransportReady,
	}
}

func (s *agentSession) reset() {
	s.state = domain.StateUninitialized
	s.history = nil
	s.live = nil
	s.fetchGen++
	s.epoch++
	s.pending = 0
	s.status = domain.TransportReady
	s.banner = ""
}

func (s *agentSession) settle() {
	if s.pending > 0 {
		s.pending--
	}
	if s.pending == 0 {
		s.state = domain.StateHistoryLoaded
	}
}

// Controller orchestrates identities and messages for every agent of one
// client session. It is safe for concurrent use. Network calls run outside
// the lock and their results are written under the agent captured when the
// call started.
type Controller struct {
	agents      []domain.AgentDescriptor
	byID        map[string]domain.AgentDescriptor
	store       identity.Store
	backend     agent.Backend
	gen         *identity.Generator
	params      agent.GenerationParams
	streaming   bool
	placeholder string
	deviceID    string
	sessionID   string
	channel     string
	convLog     ConversationLogger
	logger      *slog.Logger

	mu       sync.Mutex
	current  string
	input    string
	sessions map[string]*agentSession
	seq      uint64

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewController creates a controller for cfg.Agents. No agent is selected.
func NewController(cfg Config) (*Controller, error) {
	if len(cfg.Agents) == 0 {
		return nil, errors.New("at least one agent is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("identity store is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("agent backend is required")
	}
	if cfg.Generator == nil {
		cfg.Generator = identity.NewGenerator(nil)
	}
	if cfg.Params == (agent.GenerationParams{}) {
		cfg.Params = agent.DefaultGenerationParams()
	}
	if cfg.ErrorPlaceholder == "" {
		cfg.ErrorPlaceholder = DefaultErrorPlaceholder
	}
	if cfg.ConversationLog == nil {
		cfg.ConversationLog = noopConversationLogger{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Controller{
		agents:      append([]domain.AgentDescriptor(nil), cfg.Agents...),
		byID:        make(map[string]domain.AgentDescriptor, len(cfg.Agents)),
		store:       cfg.Store,
		backend:     cfg.Backend,
		gen:         cfg.Generator,
		params:      cfg.Params,
		streaming:   cfg.Streaming,
		placeholder: cfg.ErrorPlaceholder,
		deviceID:    cfg.DeviceID,
		sessionID:   cfg.SessionID,
		channel:     cfg.Channel,
		convLog:     cfg.ConversationLog,
		logger:      cfg.Logger.With("session_id", cfg.SessionID),
		sessions:    make(map[string]*agentSession, len(cfg.Agents)),
		subs:        make(map[int]chan Event),
	}
	for _, a := range cfg.Agents {
		if a.ID == "" {
			return nil, errors.New("agent id cannot be empty")
		}
		if _, dup := c.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", a.ID)
		}
		c.byID[a.ID] = a
		c.sessions[a.ID] = newAgentSession()
	}
	return c, nil
}

// Agents returns the catalogue in display order.
func (c *Controller) Agents() []domain.AgentDescriptor {
	return append([]domain.AgentDescriptor(nil), c.agents...)
}

// Current returns the selected agent id, or "" before the first selection.
func (c *Controller) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Select makes agentID current. A missing or invalid identity is created and
// persisted, and history is not fetched on that activation. Otherwise the
// history of the stored thread is fetched and replaces the cached history.
// History failures are logged and leave the agent in the error state with
// its messages untouched.
func (c *Controller) Select(ctx context.Context, agentID string) error {
	if _, ok := c.byID[agentID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}

	c.mu.Lock()
	c.current = agentID
	c.mu.Unlock()
	c.notify(Event{AgentID: agentID, Kind: EventSelected})

	existing, ok := c.store.Get(ctx, agentID)
	if !ok || !existing.Valid() {
		created, err := c.bootstrap(ctx, agentID)
		if err != nil {
			return err
		}
		c.mu.Lock()
		s := c.sessions[agentID]
		if s.pending == 0 {
			s.state = domain.StateIdentityReady
		}
		c.mu.Unlock()

		c.logger.Info("Session identity created",
			"agent_id", agentID,
			"thread_id", created.ThreadID,
		)
		c.notify(Event{AgentID: agentID, Kind: EventState})
		return nil
	}

	c.mu.Lock()
	s := c.sessions[agentID]
	if s.pending == 0 {
		s.state = domain.StateIdentityReady
	}
	s.fetchGen++
	gen, epoch, cut := s.fetchGen, s.epoch, c.seq
	c.mu.Unlock()

	raw, err := c.backend.History(ctx, agentID, existing.ThreadID)

	c.mu.Lock()
	if s.fetchGen != gen || s.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("Discarding superseded history", "agent_id", agentID)
		return nil
	}
	if err != nil {
		if s.pending == 0 {
			s.state = domain.StateError
		}
		c.mu.Unlock()
		c.logger.Warn("Failed to load history",
			"agent_id", agentID,
			"thread_id", existing.ThreadID,
			"error", err,
		)
		c.notify(Event{AgentID: agentID, Kind: EventState})
		return nil
	}

	s.history = normalizeHistory(raw)
	kept := s.live[:0]
	for _, m := range s.live {
		if m.seq > cut {
			kept = append(kept, m)
		}
	}
	s.live = kept
	if s.pending == 0 {
		s.state = domain.StateHistoryLoaded
	}
	count := len(s.history)
	c.mu.Unlock()

	c.logger.Debug("History loaded", "agent_id", agentID, "message_count", count)
	c.notify(Event{AgentID: agentID, Kind: EventMessages})
	return nil
}

// bootstrap persists a fresh identity for agentID, letting a concurrent
// writer win when the store supports claims.
func (c *Controller) bootstrap(ctx context.Context, agentID string) (domain.SessionIdentity, error) {
	candidate := c.gen.New(agentID)
	if claimer, ok := c.store.(identity.Claimer); ok {
		won, err := claimer.Claim(ctx, agentID, candidate)
		if err != nil {
			return domain.SessionIdentity{}, fmt.Errorf("claim identity for %s: %w", agentID, err)
		}
		return won, nil
	}
	if err := c.store.Set(ctx, agentID, candidate); err != nil {
		return domain.SessionIdentity{}, fmt.Errorf("store identity for %s: %w", agentID, err)
	}
	return candidate, nil
}

// SetInput replaces the input buffer.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	c.input = text
	c.mu.Unlock()
}

// Input returns the input buffer.
func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// Submit sends the input buffer using the configured mode.
func (c *Controller) Submit(ctx context.Context) error {
	text := c.Input()
	if c.streaming {
		return c.Stream(ctx, text)
	}
	return c.Send(ctx, text)
}

// exchange completes a submission whose user message is already recorded.
type exchange func(ctx context.Context) error

// SubmitAsync records text as a user message of the current agent and
// finishes the exchange in the background using the configured mode. The
// origin agent is fixed before SubmitAsync returns. The channel receives the
// result of the exchange and is then closed. A nil channel means the
// submission was a no-op.
func (c *Controller) SubmitAsync(ctx context.Context, text string) (<-chan error, error) {
	begin := c.beginSend
	if c.streaming {
		begin = c.beginStream
	}
	run, err := begin(ctx, text)
	if err != nil || run == nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- run(ctx)
	}()
	return done, nil
}

// prepare validates a submission and returns the captured agent and its
// identity. ok is false when the submission is a silent no-op.
func (c *Controller) prepare(ctx context.Context, text string) (string, domain.SessionIdentity, bool, error) {
	if strings.TrimSpace(text) == "" {
		return "", domain.SessionIdentity{}, false, nil
	}
	agentID := c.Current()
	if agentID == "" {
		return "", domain.SessionIdentity{}, false, ErrNoAgent
	}
	ident, ok := c.store.Get(ctx, agentID)
	if !ok || !ident.Valid() {
		c.logger.Warn("Send skipped, no session identity", "agent_id", agentID)
		return "", domain.SessionIdentity{}, false, nil
	}
	return agentID, ident, true, nil
}

// Send posts text to the current agent and waits for the full reply. Blank
// text is ignored. The reply, or the error placeholder when the request
// fails, is appended under the agent that was current when Send started.
func (c *Controller) Send(ctx context.Context, text string) error {
	run, err := c.beginSend(ctx, text)
	if err != nil || run == nil {
		return err
	}
	return run(ctx)
}

func (c *Controller) beginSend(ctx context.Context, text string) (exchange, error) {
	agentID, ident, ok, err := c.prepare(ctx, text)
	if err != nil || !ok {
		return nil, err
	}

	c.mu.Lock()
	s := c.sessions[agentID]
	epoch := s.epoch
	c.appendLive(s, domain.RoleUser, "", text)
	c.input = ""
	s.pending++
	s.state = domain.StateSending
	c.mu.Unlock()

	c.notify(Event{AgentID: agentID, Kind: EventMessages})
	c.logEvent(LogUserMessage, agentID, ident.ThreadID, "outbound", text, nil)

	return func(ctx context.Context) error {
		return c.finishSend(ctx, agentID, ident, epoch, text)
	}, nil
}

func (c *Controller) finishSend(ctx context.Context, agentID string, ident domain.SessionIdentity, epoch uint64, text string) error {
	resp, genErr := c.backend.Generate(ctx, agentID, agent.GenerateRequest{
		Messages:    []agent.InputMessage{{Role: string(domain.RoleUser), Content: text}},
		Memory:      ident,
		MaxSteps:    c.params.MaxSteps,
		Temperature: c.params.Temperature,
	})

	reply := c.placeholder
	if genErr == nil {
		reply = resp.Text
	}

	c.mu.Lock()
	s := c.sessions[agentID]
	stale := s.epoch != epoch
	if !stale {
		c.appendLive(s, domain.RoleAssistant, "", reply)
		s.settle()
	}
	c.mu.Unlock()

	if stale {
		c.logger.Info("Dropping reply for reset conversation", "agent_id", agentID)
		return nil
	}
	if genErr != nil {
		c.logger.Error("Agent generate failed", "agent_id", agentID, "error", genErr)
		c.logEvent(LogSendFailed, agentID, ident.ThreadID, "inbound", reply, map[string]any{"error": genErr.Error()})
	} else {
		c.logEvent(LogAssistantMessage, agentID, ident.ThreadID, "inbound", reply, nil)
	}
	c.notify(Event{AgentID: agentID, Kind: EventMessages})
	return nil
}

// Stream posts text to the current agent over the streaming endpoint and
// accumulates the reply into one assistant message as parts arrive. It
// returns ErrBusy while a previous stream for the agent is unfinished.
// Transport failures set the agent's error banner until the next success.
func (c *Controller) Stream(ctx context.Context, text string) error {
	run, err := c.beginStream(ctx, text)
	if err != nil || run == nil {
		return err
	}
	return run(ctx)
}

func (c *Controller) beginStream(ctx context.Context, text string) (exchange, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if agentID := c.Current(); agentID != "" && !c.CanSubmit(agentID) {
		return nil, ErrBusy
	}
	agentID, ident, ok, err := c.prepare(ctx, text)
	if err != nil || !ok {
		return nil, err
	}

	c.mu.Lock()
	s := c.sessions[agentID]
	if !s.status.AcceptsInput() {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	epoch := s.epoch
	user := c.appendLive(s, domain.RoleUser, "", text)
	c.input = ""
	s.pending++
	s.state = domain.StateSending
	s.status = domain.TransportSubmitted
	c.mu.Unlock()

	c.notify(Event{AgentID: agentID, Kind: EventMessages})
	c.logEvent(LogUserMessage, agentID, ident.ThreadID, "outbound", text, nil)

	req := agent.StreamRequest{
		Messages: []agent.UIMessage{{
			ID:    user.ID,
			Role:  string(domain.RoleUser),
			Parts: []agent.UIPart{{Type: "text", Text: text}},
		}},
		ThreadID:   ident.ThreadID,
		ResourceID: ident.ResourceID,
		Trigger:    agent.TriggerSubmit,
		MessageID:  user.ID,
	}
	return func(ctx context.Context) error {
		return c.finishStream(ctx, agentID, ident, epoch, req)
	}, nil
}

func (c *Controller) finishStream(ctx context.Context, agentID string, ident domain.SessionIdentity, epoch uint64, req agent.StreamRequest) error {
	replyID := uuid.NewString()
	var reply strings.Builder
	started := false
	chunks := 0
	var streamErr error

	for chunk, err := range c.backend.Stream(ctx, agentID, req) {
		if err != nil {
			streamErr = err
			break
		}
		switch chunk.Type {
		case agent.ChunkStart:
			if chunk.MessageID != "" && !started {
				replyID = chunk.MessageID
			}
		case agent.ChunkTextStart:
			started = true
		case agent.ChunkTextDelta:
			started = true
			chunks++
			reply.WriteString(chunk.Delta)
		}
		if !c.applyChunk(agentID, epoch, replyID, started, reply.String()) {
			c.logger.Info("Dropping stream for reset conversation", "agent_id", agentID)
			return nil
		}
	}

	c.mu.Lock()
	s := c.sessions[agentID]
	stale := s.epoch != epoch
	if !stale {
		if streamErr != nil {
			s.status = domain.TransportError
			s.banner = c.placeholder
		} else {
			s.status = domain.TransportReady
			s.banner = ""
		}
		s.settle()
	}
	c.mu.Unlock()
	if stale {
		return nil
	}

	meta := map[string]any{"stream_chunks": chunks, "partial": streamErr != nil}
	if streamErr != nil {
		meta["stream_error"] = streamErr.Error()
		c.logger.Error("Agent stream failed", "agent_id", agentID, "error", streamErr)
	}
	c.logEvent(LogAssistantMessage, agentID, ident.ThreadID, "inbound", reply.String(), meta)
	c.notify(Event{AgentID: agentID, Kind: EventState})
	return nil
}

// applyChunk records streaming progress. It returns false once the
// conversation has been reset under the stream.
func (c *Controller) applyChunk(agentID string, epoch uint64, replyID string, started bool, text string) bool {
	c.mu.Lock()
	s := c.sessions[agentID]
	if s.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	if s.status == domain.TransportSubmitted {
		s.status = domain.TransportStreaming
	}
	if started {
		c.upsertLive(s, domain.Message{ID: replyID, Role: domain.RoleAssistant, Text: text})
	}
	c.mu.Unlock()

	c.notify(Event{AgentID: agentID, Kind: EventMessages})
	return true
}

// CanSubmit reports whether input for agentID is currently accepted.
func (c *Controller) CanSubmit(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[agentID]
	return ok && s.status.AcceptsInput()
}

// Reset clears every persisted identity and every conversation, then
// re-selects the current agent so that it receives a new identity.
func (c *Controller) Reset(ctx context.Context) error {
	ids := domain.AgentIDs(c.agents)
	if err := c.store.ResetAll(ctx, ids); err != nil {
		return fmt.Errorf("reset identities: %w", err)
	}

	c.mu.Lock()
	for _, id := range ids {
		c.sessions[id].reset()
	}
	c.input = ""
	current := c.current
	c.mu.Unlock()

	c.logger.Info("Conversations reset", "agent_count", len(ids))
	c.logEvent(LogReset, current, "", "internal", "", nil)
	c.notify(Event{Kind: EventReset})

	if current == "" {
		return nil
	}
	return c.Select(ctx, current)
}

// Snapshot returns the display view of agentID.
func (c *Controller) Snapshot(agentID string) (View, error) {
	desc, ok := c.byID[agentID]
	if !ok {
		return View{}, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[agentID]
	return View{
		AgentID:     agentID,
		DisplayName: desc.DisplayName,
		Placeholder: Placeholder(desc),
		Current:     agentID == c.current,
		State:       s.state,
		Status:      s.status,
		Error:       s.banner,
		CanSubmit:   s.status.AcceptsInput(),
		Pending:     s.pending > 0,
		Messages:    c.mergedLocked(s),
	}, nil
}

// Views returns the display view of every agent in catalogue order.
func (c *Controller) Views() []View {
	views := make([]View, 0, len(c.agents))
	for _, a := range c.agents {
		v, err := c.Snapshot(a.ID)
		if err == nil {
			views = append(views, v)
		}
	}
	return views
}

// Messages returns the merged message sequence of agentID.
func (c *Controller) Messages(agentID string) []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[agentID]
	if !ok {
		return nil
	}
	return c.mergedLocked(s)
}

func (c *Controller) mergedLocked(s *agentSession) []domain.Message {
	live := make([]domain.Message, len(s.live))
	for i, m := range s.live {
		live[i] = m.msg
	}
	return mergeMessages(s.history, live)
}

// appendLive adds a live message. Callers hold c.mu.
func (c *Controller) appendLive(s *agentSession, role domain.Role, id, text string) domain.Message {
	if id == "" {
		id = uuid.NewString()
	}
	c.seq++
	m := domain.Message{ID: id, Role: role, Text: text}
	s.live = append(s.live, liveMessage{seq: c.seq, msg: m})
	return m
}

// upsertLive replaces the live message with m.ID, or appends m when a
// history load has dropped it. Callers hold c.mu.
func (c *Controller) upsertLive(s *agentSession, m domain.Message) {
	for i := range s.live {
		if s.live[i].msg.ID == m.ID {
			s.live[i].msg = m
			return
		}
	}
	c.appendLive(s, m.Role, m.ID, m.Text)
}

func (c *Controller) logEvent(eventType, agentID, threadID, direction, content string, meta map[string]any) {
	c.convLog.Log(ConversationLogEvent{
		DeviceID:   c.deviceID,
		SessionID:  c.sessionID,
		AgentID:    agentID,
		ThreadID:   threadID,
		Channel:    c.channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

// Placeholder is the input hint for an agent.
func Placeholder(a domain.AgentDescriptor) string {
	return "Fale com " + a.DisplayName + "..."
}
