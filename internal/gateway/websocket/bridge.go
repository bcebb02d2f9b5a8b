// Package websocket is the WebSocket bridge: it authenticates sockets,
// derives session and chat ids from sub-protocols, replays chat history, and
// serialises per-socket message handling over the session manager and task
// coordinator.
package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adsproject/ads/internal/agent/adapter"
	"github.com/adsproject/ads/internal/common/config"
	"github.com/adsproject/ads/internal/common/logger"
	"github.com/adsproject/ads/internal/protocol"
	"github.com/adsproject/ads/internal/session"
	"github.com/adsproject/ads/internal/task/coordinator"
	"github.com/adsproject/ads/internal/task/store"
)

// Close codes for connection admission failures.
const (
	CloseUnauthorized   = 4401
	CloseForbidden      = 4403
	CloseTooManyClients = 4409
)

// Sub-protocol prefixes carrying the session and chat ids.
const (
	sessionProtocolPrefix = "ads-session."
	chatProtocolPrefix    = "ads-chat."
	defaultChatID         = "main"
)

// namespace scopes all bridge-created tasks in the store.
const namespace = "default"

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is validated after the upgrade so the client receives a
	// structured close code instead of a bare HTTP 403.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Bridge owns all WebSocket clients and their message handling.
type Bridge struct {
	cfg      config.GatewayConfig
	coordCfg config.CoordinatorConfig
	sessions *session.Manager
	store    *store.Store
	verifier coordinator.Verifier
	logger   *logger.Logger
	history  *historyCache

	mu      sync.Mutex
	clients map[*Client]bool
}

// NewBridge creates the bridge. The verifier is optional.
func NewBridge(cfg *config.Config, sessions *session.Manager, st *store.Store, verifier coordinator.Verifier, log *logger.Logger) *Bridge {
	return &Bridge{
		cfg:      cfg.Gateway,
		coordCfg: cfg.Coordinator,
		sessions: sessions,
		store:    st,
		verifier: verifier,
		logger:   log.WithFields(zap.String("component", "ws_bridge")),
		history:  newHistoryCache(cfg.Gateway.HistoryReplaySize),
		clients:  make(map[*Client]bool),
	}
}

// HandleConnection upgrades the request and runs the client until it
// disconnects.
func (b *Bridge) HandleConnection(c *gin.Context) {
	r := c.Request
	sessionID, chatID, protocol := deriveIDs(gorillaws.Subprotocols(r))

	var respHeader http.Header
	if protocol != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {protocol}}
	}
	conn, err := upgrader.Upgrade(c.Writer, r, respHeader)
	if err != nil {
		b.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	if !b.authorized(r) {
		closeWith(conn, CloseUnauthorized, "unauthorized")
		return
	}
	if !b.originAllowed(r) {
		closeWith(conn, CloseForbidden, "origin not allowed")
		return
	}
	if !b.admit() {
		closeWith(conn, CloseTooManyClients, "too many clients")
		return
	}

	ctx := r.Context()
	sess, err := b.sessions.GetOrCreate(ctx, sessionID, "", true)
	if err != nil {
		closeWith(conn, gorillaws.CloseInternalServerErr, "session unavailable")
		return
	}

	client := newClient(uuid.NewString(), sessionID, chatID, conn, b, b.logger)
	b.mu.Lock()
	b.clients[client] = true
	b.mu.Unlock()

	unsubscribe := b.forwardEvents(sess, client)
	defer unsubscribe()

	b.logger.Info("client connected",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID),
		zap.String("chat_id", chatID))

	b.greet(client, sess)

	go client.writePump()
	go client.runChain(context.Background())
	client.readPump(ctx)
}

// forwardEvents streams the session's canonical agent events to the client.
func (b *Bridge) forwardEvents(sess *session.Session, client *Client) func() {
	return sess.Orchestrator.OnEvent(func(agentID string, ev *protocol.Event) {
		msg, err := NewMessage(KindEvent, "", map[string]any{
			"agent_id": agentID,
			"event":    ev,
		})
		if err != nil {
			return
		}
		client.sendMessage(msg)
	})
}

// greet sends welcome, the agent roster, and the cached chat history.
func (b *Bridge) greet(client *Client, sess *session.Session) {
	welcome, err := NewMessage(KindWelcome, "", map[string]any{
		"session_id":      client.SessionID,
		"chat_session_id": client.ChatID,
		"active_agent":    sess.Orchestrator.ActiveID(),
	})
	if err == nil {
		client.sendMessage(welcome)
	}

	type agentInfo struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Transport string `json:"transport"`
		Ready     bool   `json:"ready"`
	}
	var roster []agentInfo
	for _, meta := range sess.Orchestrator.Agents() {
		a, _ := sess.Orchestrator.Get(meta.ID)
		roster = append(roster, agentInfo{
			ID:        meta.ID,
			Name:      meta.Name,
			Transport: meta.Transport,
			Ready:     a.Status().Ready,
		})
	}
	if agents, err := NewMessage(KindAgents, "", roster); err == nil {
		client.sendMessage(agents)
	}

	for _, msg := range b.history.replay(client.SessionID, client.ChatID) {
		client.sendMessage(msg)
	}
}

// handleMessage processes one chained (non-control) message.
func (b *Bridge) handleMessage(ctx context.Context, client *Client, msg *Message) {
	switch msg.Kind {
	case KindPrompt:
		b.handlePrompt(ctx, client, msg)
	case KindCommand:
		b.handleCommand(ctx, client, msg)
	case KindClearHistory:
		b.handleClearHistory(ctx, client, msg)
	case KindTaskResume:
		b.handleTaskResume(ctx, client, msg)
	default:
		client.sendError(msg, "bad_request", "unsupported message kind "+msg.Kind)
	}
}

// handlePrompt runs one supervisor turn, then the coordination loop when the
// coordinator is enabled, and replies with the final text.
func (b *Bridge) handlePrompt(ctx context.Context, client *Client, msg *Message) {
	var req PromptRequest
	if err := msg.ParsePayload(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		client.sendError(msg, "bad_request", "prompt requires a text payload")
		return
	}

	sess, err := b.sessions.GetOrCreate(ctx, client.SessionID, "", false)
	if err != nil {
		client.sendError(msg, "internal", err.Error())
		return
	}

	turnCtx := client.beginTurn(ctx)
	defer client.endTurn()

	opts := adapter.SendOptions{Model: req.Model}
	result, err := sess.Send(turnCtx, adapter.TextInput(req.Text), opts)
	if err != nil {
		if adapter.IsCancelled(err) {
			client.sendError(msg, "cancelled", "aborted")
		} else {
			client.sendError(msg, "agent_error", err.Error())
		}
		return
	}

	response := result.Response
	if b.coordCfg.Enabled {
		coord := coordinator.New(b.coordCfg, namespace, client.SessionID, sess.Orchestrator, b.store, b.verifier, b.logger)
		out, runErr := coord.Run(turnCtx, result, func(ctx context.Context, prompt string) (*adapter.SendResult, error) {
			return sess.Send(ctx, adapter.TextInput(prompt), adapter.SendOptions{})
		})
		if runErr != nil {
			if adapter.IsCancelled(runErr) || turnCtx.Err() != nil {
				client.sendError(msg, "cancelled", "aborted")
			} else {
				client.sendError(msg, "coordinator_error", runErr.Error())
			}
			return
		}
		response = out.Response
	} else {
		// Without the coordinator, delegation blocks in the reply are resolved
		// inline: each addressed agent runs once and its summary replaces the
		// block.
		response = sess.Orchestrator.ResolveDelegations(turnCtx, response, result.AgentID)
	}

	reply, err := NewMessage(KindResponse, msg.ID, map[string]any{
		"text":     response,
		"agent_id": result.AgentID,
	})
	if err != nil {
		client.sendError(msg, "internal", err.Error())
		return
	}
	b.history.append(client.SessionID, client.ChatID, reply)
	client.sendMessage(reply)
}

// handleCommand services session-level commands.
func (b *Bridge) handleCommand(ctx context.Context, client *Client, msg *Message) {
	var req CommandRequest
	if err := msg.ParsePayload(&req); err != nil {
		client.sendError(msg, "bad_request", "command requires a name")
		return
	}

	arg := ""
	if len(req.Args) > 0 {
		arg = req.Args[0]
	}

	var err error
	var payload any
	switch req.Name {
	case "switch_agent":
		err = b.sessions.SwitchAgent(client.SessionID, arg)
	case "set_cwd":
		err = b.sessions.SetUserCwd(ctx, client.SessionID, arg)
	case "set_model":
		var sess *session.Session
		if sess, err = b.sessions.GetOrCreate(ctx, client.SessionID, "", false); err == nil {
			sess.Orchestrator.SetModel(arg)
		}
	case "reset":
		b.history.clear(client.SessionID, client.ChatID)
		err = b.sessions.Reset(ctx, client.SessionID)
	case "tasks":
		payload, err = b.store.ListTasks(ctx, namespace, client.SessionID, arg == "active")
	default:
		client.sendError(msg, "bad_request", "unknown command "+req.Name)
		return
	}
	if err != nil {
		client.sendError(msg, "command_error", err.Error())
		return
	}

	if payload == nil {
		payload = map[string]any{"ok": true}
	}
	if reply, merr := NewMessage(KindResponse, msg.ID, payload); merr == nil {
		client.sendMessage(reply)
	}
}

func (b *Bridge) handleClearHistory(ctx context.Context, client *Client, msg *Message) {
	b.history.clear(client.SessionID, client.ChatID)
	if err := b.sessions.Reset(ctx, client.SessionID); err != nil {
		client.sendError(msg, "command_error", err.Error())
		return
	}
	if reply, err := NewMessage(KindResponse, msg.ID, map[string]any{"ok": true}); err == nil {
		client.sendMessage(reply)
	}
}

// handleTaskResume replies with a task's stored state and message history.
func (b *Bridge) handleTaskResume(ctx context.Context, client *Client, msg *Message) {
	var req TaskResumeRequest
	if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
		client.sendError(msg, "bad_request", "task_resume requires a task_id")
		return
	}

	task, err := b.store.GetTask(ctx, namespace, client.SessionID, req.TaskID)
	if err != nil {
		client.sendError(msg, "not_found", err.Error())
		return
	}
	messages, err := b.store.ListMessages(ctx, namespace, client.SessionID, req.TaskID)
	if err != nil {
		client.sendError(msg, "internal", err.Error())
		return
	}

	if reply, merr := NewMessage(KindTask, msg.ID, map[string]any{
		"task":     task,
		"messages": messages,
	}); merr == nil {
		client.sendMessage(reply)
	}
}

func (b *Bridge) removeClient(client *Client) {
	b.mu.Lock()
	_, ok := b.clients[client]
	delete(b.clients, client)
	b.mu.Unlock()
	if ok {
		client.shutdown()
	}
}

// ClientCount returns the number of connected clients.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// admit reserves a client slot, enforcing maxClients.
func (b *Bridge) admit() bool {
	if b.cfg.MaxClients <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients) < b.cfg.MaxClients
}

// authorized checks the bearer token when one is configured. The token may
// arrive as an Authorization header or a token query parameter.
func (b *Bridge) authorized(r *http.Request) bool {
	if b.cfg.BearerToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if strings.TrimPrefix(header, "Bearer ") == b.cfg.BearerToken && header != "" {
		return true
	}
	return r.URL.Query().Get("token") == b.cfg.BearerToken
}

// originAllowed checks the Origin header against the allow-list. Non-browser
// clients that send no Origin are admitted.
func (b *Bridge) originAllowed(r *http.Request) bool {
	if len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (b *Bridge) heartbeat() time.Duration {
	if b.cfg.HeartbeatSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.cfg.HeartbeatSeconds) * time.Second
}

func (b *Bridge) pongWait() time.Duration {
	missed := b.cfg.MaxMissedPongs
	if missed <= 0 {
		missed = 3
	}
	return b.heartbeat() * time.Duration(missed+1)
}

// deriveIDs extracts the session and chat ids from the offered sub-protocols,
// echoing back the session protocol when present. Missing ids default to a
// random session and the "main" chat.
func deriveIDs(protocols []string) (sessionID, chatID, echo string) {
	chatID = defaultChatID
	for _, p := range protocols {
		switch {
		case strings.HasPrefix(p, sessionProtocolPrefix):
			if id := strings.TrimPrefix(p, sessionProtocolPrefix); id != "" {
				sessionID = id
				echo = p
			}
		case strings.HasPrefix(p, chatProtocolPrefix):
			if id := strings.TrimPrefix(p, chatProtocolPrefix); id != "" {
				chatID = id
			}
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return sessionID, chatID, echo
}

func closeWith(conn *gorillaws.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(gorillaws.CloseMessage, gorillaws.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
