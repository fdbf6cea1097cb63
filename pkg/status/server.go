// Package status serves the live daemon state and accepts edits over
// HTTP and websocket JSON-RPC 2.0. Websocket clients that call subscribe
// receive module previews at a fixed rate and device state changes as
// they happen.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rehakomoon/VRCHapticsLite/pkg/bridge"
	"github.com/rehakomoon/VRCHapticsLite/pkg/color"
	"github.com/rehakomoon/VRCHapticsLite/pkg/device"
	herrors "github.com/rehakomoon/VRCHapticsLite/pkg/errors"
	"github.com/rehakomoon/VRCHapticsLite/pkg/log"
	"github.com/rehakomoon/VRCHapticsLite/pkg/settings"
)

// Version is reported by server.info.
const Version = "0.3.0"

// Server is the status and control endpoint.
type Server struct {
	ctl Controller

	httpServer *http.Server
	addr       string
	listener   net.Listener
	mu         sync.Mutex

	// WebSocket management
	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// Latest preview per module, flushed by the broadcast loop
	pending   map[string]bridge.Preview
	pendingMu sync.Mutex

	broadcastInterval time.Duration

	running   atomic.Bool
	startTime time.Time
	stop      chan struct{}
	logger    *log.Logger
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., "127.0.0.1:7125")
	Addr string

	// BroadcastInterval paces preview pushes. Default 250ms.
	BroadcastInterval time.Duration
}

// New creates a server acting on ctl.
func New(cfg Config, ctl Controller) *Server {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = 250 * time.Millisecond
	}
	s := &Server{
		ctl:               ctl,
		addr:              cfg.Addr,
		wsClients:         make(map[int64]*WSClient),
		pending:           make(map[string]bridge.Preview),
		broadcastInterval: cfg.BroadcastInterval,
		startTime:         time.Now(),
		stop:              make(chan struct{}),
		logger:            log.GetLogger("status"),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // local tool; the address is the access control
		},
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	return s.corsMiddleware(mux)
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler()}
	srv := s.httpServer
	s.mu.Unlock()

	s.running.Store(true)
	s.logger.Info("status server listening on %s", ln.Addr())

	go s.statusBroadcastLoop()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes every client and the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.running.CompareAndSwap(true, false) {
		close(s.stop)
	}

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonRPCError) Error() string { return e.Message }

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

func invalidParams(format string, args ...any) error {
	return &jsonRPCError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func toRPCError(err error) *jsonRPCError {
	var re *jsonRPCError
	if errors.As(err, &re) {
		return re
	}
	// Unknown modules and out-of-range values are the caller's fault.
	if herrors.IsConfig(err) {
		return &jsonRPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	return &jsonRPCError{Code: codeServerError, Message: err.Error()}
}

// handleJSONRPC handles JSON-RPC 2.0 requests over plain HTTP.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: codeParseError, Message: "Parse error"}})
		return
	}

	result, err := s.dispatchMethod(req.Method, req.Params, nil)
	if err != nil {
		s.writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Error: toRPCError(err), ID: req.ID})
		return
	}
	s.writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": s.ctl.Status()})
}

type moduleParams struct {
	Module  string `json:"module"`
	Enabled *bool  `json:"enabled"`
	Power   *int   `json:"power"`
}

type regionParams struct {
	Module string `json:"module"`
	settings.Region
}

type colorParams struct {
	Which string `json:"which"`
	color.Range
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

// dispatchMethod routes a method call to the appropriate handler.
func (s *Server) dispatchMethod(method string, raw json.RawMessage, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo(), nil
	case "server.connection.identify":
		return s.methodIdentify(raw, client)
	case "get_status":
		return s.ctl.Status(), nil
	case "subscribe":
		return s.methodSubscribe(client)
	case "set_enabled":
		var p moduleParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Enabled == nil {
			return nil, invalidParams("missing 'enabled' parameter")
		}
		return ok(s.ctl.SetEnabled(p.Module, *p.Enabled))
	case "set_power":
		var p moduleParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Power == nil {
			return nil, invalidParams("missing 'power' parameter")
		}
		return ok(s.ctl.SetPower(p.Module, *p.Power))
	case "set_region":
		var p regionParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return ok(s.ctl.SetRegion(p.Module, p.Region))
	case "set_color":
		var p colorParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if !p.Range.Valid() {
			return nil, invalidParams("color range %s has min above max", p.Range)
		}
		return ok(s.ctl.SetColor(p.Which, p.Range))
	case "save_settings":
		path, err := s.ctl.SaveSettings()
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path}, nil
	default:
		return nil, &jsonRPCError{Code: codeMethodNotFound, Message: "method not found: " + method}
	}
}

func ok(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodServerInfo() map[string]any {
	s.wsClientMu.RLock()
	n := len(s.wsClients)
	s.wsClientMu.RUnlock()
	return map[string]any{
		"version":         Version,
		"websocket_count": n,
		"uptime":          time.Since(s.startTime).Seconds(),
		"methods": []string{
			"server.info", "server.connection.identify", "get_status", "subscribe",
			"set_enabled", "set_power", "set_region", "set_color", "save_settings",
		},
	}
}

func (s *Server) methodIdentify(raw json.RawMessage, client *WSClient) (any, error) {
	var p struct {
		ClientName string `json:"client_name"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, invalidParams("invalid params: %v", err)
		}
	}
	if client == nil {
		return nil, &jsonRPCError{Code: codeServerError, Message: "identify requires a websocket connection"}
	}
	client.name = p.ClientName
	s.logger.WithFields(log.Fields{"client": client.id, "name": p.ClientName}).Info("client identified")
	return map[string]any{"connection_id": client.id, "session": client.session}, nil
}

func (s *Server) methodSubscribe(client *WSClient) (any, error) {
	if client == nil {
		return nil, &jsonRPCError{Code: codeServerError, Message: "subscription requires websocket connection"}
	}
	client.subscribed.Store(true)
	return s.ctl.Status(), nil
}

// ModuleFrame implements bridge.Observer; previews are coalesced per
// module until the next broadcast.
func (s *Server) ModuleFrame(p bridge.Preview) {
	s.pendingMu.Lock()
	s.pending[p.Module] = p
	s.pendingMu.Unlock()
}

// StateChanged implements device.Observer; state changes are pushed at once.
func (s *Server) StateChanged(id string, from, to device.State) {
	s.broadcast(jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify_device_state",
		Params:  map[string]any{"device": id, "from": from, "to": to},
	})
}

// FrameResult implements device.Observer. Per-frame results are only
// visible through get_status counters.
func (s *Server) FrameResult(string, device.Result) {}

// CORS middleware for browser dashboards
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id         int64
	session    string
	name       string
	conn       *websocket.Conn
	server     *Server
	sendCh     chan any
	done       chan struct{}
	subscribed atomic.Bool
	mu         sync.Mutex
}

// newWSClient creates a new WebSocket client.
func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:      atomic.AddInt64(&s.nextWSID, 1),
		session: uuid.NewString(),
		conn:    conn,
		server:  s,
		sendCh:  make(chan any, 64),
		done:    make(chan struct{}),
	}
}

// Send queues a message; it is dropped when the client is too slow.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.WithField("client", c.id).Debug("dropping message, send queue full")
	}
}

// Close closes the client connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}

	c.conn.Close()
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.WithField("client", c.id).WithError(err).Warn("websocket read error")
			}
			break
		}

		c.handleMessage(message)
	}
}

// writePump sends messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.WithField("client", c.id).WithError(err).Warn("websocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: codeParseError, Message: "Parse error"}})
		return
	}

	result, err := c.server.dispatchMethod(req.Method, req.Params, c)
	if err != nil {
		c.Send(jsonRPCResponse{JSONRPC: "2.0", Error: toRPCError(err), ID: req.ID})
		return
	}

	c.Send(jsonRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	})
}

// handleWebSocket handles WebSocket upgrade and connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := s.newWSClient(conn)

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	s.logger.WithField("client", client.id).Debug("websocket client connected")

	go client.writePump()
	client.readPump() // Blocks until connection closes
}

// removeClient forgets a disconnected client.
func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	s.logger.WithField("client", client.id).Debug("websocket client disconnected")
}

func (s *Server) broadcast(msg any) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		if client.subscribed.Load() {
			client.Send(msg)
		}
	}
}

// statusBroadcastLoop periodically pushes coalesced previews.
func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(s.broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.broadcastPreviews()
		}
	}
}

// broadcastPreviews sends every preview received since the last call.
func (s *Server) broadcastPreviews() {
	s.pendingMu.Lock()
	if len(s.pending) == 0 {
		s.pendingMu.Unlock()
		return
	}
	previews := make([]bridge.Preview, 0, len(s.pending))
	for _, name := range sortedNames(s.pending) {
		previews = append(previews, s.pending[name])
	}
	s.pending = make(map[string]bridge.Preview)
	s.pendingMu.Unlock()

	s.broadcast(jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify_module_frame",
		Params:  previews,
	})
}
