// Package statusapi serves the PLC connection status to external dashboards
// over HTTP and pushes state changes over a websocket.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/log"
	"mbe-recipe-host/pkg/metrics"
	"mbe-recipe-host/pkg/plc"
	"mbe-recipe-host/pkg/recipe"
	"mbe-recipe-host/pkg/timing"
)

// PLC is the part of the connection manager the API exposes.
type PLC interface {
	Status() map[string]interface{}
	EnsureConnected(ctx context.Context) error
	OnStateChange(fn func(from, to plc.State))
}

// Receiver reads the recipe currently held by the PLC.
type Receiver interface {
	ReceiveRecipe(ctx context.Context) (recipe.Recipe, *timing.Result, error)
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on, e.g. ":7130"
	Addr string

	PLC PLC

	// Recipes enables GET /plc/recipe when set.
	Recipes Receiver

	// Metrics enables GET /metrics when set.
	Metrics     metrics.Gatherer
	MetricsAuth metrics.HandlerOptions

	// RequestTimeout bounds PLC operations started by a request.
	RequestTimeout time.Duration
}

// Server is the status HTTP server.
type Server struct {
	cfg Config
	log *log.Logger

	httpServer *http.Server

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	startTime time.Time
}

// New creates a server and subscribes it to PLC state changes.
func New(cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:       cfg,
		log:       log.GetLogger("statusapi"),
		wsClients: make(map[int64]*wsClient),
		startTime: time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	if cfg.PLC != nil {
		cfg.PLC.OnStateChange(s.notifyState)
	}
	return s
}

// SetLogger replaces the server logger.
func (s *Server) SetLogger(l *log.Logger) {
	s.log = l
}

// Handler returns the routes of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/plc/status", s.handleStatus)
	mux.HandleFunc("/plc/connect", s.handleConnect)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	if s.cfg.Recipes != nil {
		mux.HandleFunc("/plc/recipe", s.handleRecipe)
	}
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", metrics.Handler(s.cfg.Metrics, s.cfg.MetricsAuth))
	}
	return corsMiddleware(mux)
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("status API listening on %s", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes every websocket and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.wsClientMu.Lock()
	for _, c := range s.wsClients {
		c.Close()
	}
	s.wsClients = make(map[int64]*wsClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) serverInfo() map[string]any {
	s.wsClientMu.RLock()
	clients := len(s.wsClients)
	s.wsClientMu.RUnlock()
	return map[string]any{
		"service":         "mbe-recipe-host",
		"uptime":          time.Since(s.startTime).Seconds(),
		"websocket_count": clients,
		"recipe_endpoint": s.cfg.Recipes != nil,
	}
}

func (s *Server) plcStatus() map[string]interface{} {
	if s.cfg.PLC == nil {
		return map[string]interface{}{"state": plc.Disconnected.String()}
	}
	return s.cfg.PLC.Status()
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": s.serverInfo()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": s.plcStatus()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.cfg.PLC == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no PLC configured"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.cfg.PLC.EnsureConnected(ctx); err != nil {
		s.log.WithError(err).Warn("connect requested over API failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": s.plcStatus()})
}

func (s *Server) handleRecipe(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	rec, res, err := s.cfg.Recipes.ReceiveRecipe(ctx)
	if err != nil && !herrors.IsStructural(err) {
		writeError(w, statusFor(err), err)
		return
	}
	out := recipeJSON(rec, res)
	if err != nil {
		out["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": out})
}

// recipeJSON renders steps with their first-iteration start times. res is
// nil when the loop structure is broken.
func recipeJSON(rec recipe.Recipe, res *timing.Result) map[string]any {
	steps := make([]map[string]any, 0, rec.Len())
	for i, st := range rec.Steps() {
		values := make(map[string]string)
		for _, key := range st.Keys() {
			p, _ := st.Get(key)
			values[string(key)] = p.String()
		}
		row := map[string]any{
			"index":  i,
			"action": st.Action().Name,
			"values": values,
		}
		if res != nil {
			if start, ok := res.StartOf(i); ok {
				row["start"] = start.Seconds()
			}
		}
		steps = append(steps, row)
	}
	out := map[string]any{"rows": rec.Len(), "steps": steps}
	if res != nil {
		out["total"] = res.Total.Seconds()
		warnings := make([]string, 0, len(res.Warnings))
		for _, w := range res.Warnings {
			warnings = append(warnings, w.String())
		}
		out["warnings"] = warnings
	}
	return out
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// statusFor maps error classes onto HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch herrors.ClassOf(err) {
	case herrors.ClassValidation, herrors.ClassStructural, herrors.ClassConfig:
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadGateway
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, err error) {
	body := map[string]any{"message": err.Error()}
	if c, ok := herrors.CodeOf(err); ok {
		body["code"] = string(c)
	}
	writeJSON(w, code, map[string]any{"error": body})
}

// notifyState pushes a state change to every websocket client.
func (s *Server) notifyState(from, to plc.State) {
	s.broadcast(stateNotification(from, to, s.plcStatus()))
}

func stateNotification(from, to plc.State, status map[string]interface{}) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_plc_state",
		"params": []any{map[string]any{
			"from":   from.String(),
			"to":     to.String(),
			"status": status,
		}},
	}
}

func (s *Server) broadcast(msg any) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, c := range s.wsClients {
		c.Send(msg)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
	s.wsClientMu.Lock()
	s.wsClients[c.id] = c
	s.wsClientMu.Unlock()
	s.log.Debug("websocket client %d connected", c.id)

	go c.writePump()

	// Current state first so a client never waits for the next change.
	state := s.plcStatus()
	cur, _ := state["state"].(string)
	c.Send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_plc_state",
		"params":  []any{map[string]any{"from": cur, "to": cur, "status": state}},
	})

	c.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, c.id)
	s.wsClientMu.Unlock()
	s.log.Debug("websocket client %d disconnected", c.id)
}

// JSON-RPC 2.0 over the websocket

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      any    `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) dispatch(ctx context.Context, method string) (any, error) {
	switch method {
	case "server.info":
		return s.serverInfo(), nil
	case "plc.status":
		return s.plcStatus(), nil
	case "plc.connect":
		if s.cfg.PLC == nil {
			return nil, errors.New("no PLC configured")
		}
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		if err := s.cfg.PLC.EnsureConnected(ctx); err != nil {
			return nil, err
		}
		return s.plcStatus(), nil
	}
	return nil, errMethodNotFound
}

var errMethodNotFound = errors.New("method not found")

type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

// Send queues a message, dropping it when the client is too slow.
func (c *wsClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.log.Warn("dropping message to websocket client %d (queue full)", c.id)
	}
}

func (c *wsClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	_ = c.conn.Close()
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.WithError(err).Warn("websocket read failed")
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "Parse error"}})
		return
	}
	result, err := c.server.dispatch(context.Background(), req.Method)
	switch {
	case errors.Is(err, errMethodNotFound):
		c.Send(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32601, Message: err.Error()}, ID: req.ID})
	case err != nil:
		c.Send(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32000, Message: err.Error()}, ID: req.ID})
	default:
		c.Send(rpcResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
	}
}
