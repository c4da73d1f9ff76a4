package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/haghost5/hag5bridge/printer"
	"github.com/haghost5/hag5bridge/registry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// jsonRPCRequest represents an incoming JSON-RPC 2.0 request.
type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id"`
}

// jsonRPCResponse represents an outgoing JSON-RPC 2.0 response.
type jsonRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// jsonRPCNotification represents a server-to-client notification (no id).
type jsonRPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	rpcParseError     = -32700
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *WSClient) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// WSHub manages all WebSocket clients and pushes printer changes to them.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*WSClient]bool
	server  *Server
}

func NewWSHub(s *Server) *WSHub {
	return &WSHub{
		clients: make(map[*WSClient]bool),
		server:  s,
	}
}

func (h *WSHub) register(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *WSHub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.conn.Close()
		delete(h.clients, client)
	}
}

// BroadcastNotification sends a notification to all connected clients.
func (h *WSHub) BroadcastNotification(method string, params interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	notification := jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}

	for client := range h.clients {
		if err := client.send(notification); err != nil {
			log.Debugf("WebSocket broadcast error: %v", err)
		}
	}
}

// BroadcastFileListChanged sends notify_filelist_changed to all clients.
func (h *WSHub) BroadcastFileListChanged(action, path string) {
	h.BroadcastNotification("notify_filelist_changed", []interface{}{
		map[string]interface{}{
			"action": action,
			"item":   map[string]interface{}{"path": path},
		},
	})
}

// BroadcastHistoryChanged sends notify_history_changed to all clients.
func (h *WSHub) BroadcastHistoryChanged(action string, job interface{}) {
	h.BroadcastNotification("notify_history_changed", []interface{}{
		map[string]interface{}{
			"action": action,
			"job":    job,
		},
	})
}

// EntryLoaded announces a printer together with its initial readings.
func (h *WSHub) EntryLoaded(e registry.Entry, readings []printer.Reading) {
	h.BroadcastNotification("notify_entry_loaded", []interface{}{
		map[string]interface{}{
			"entry_id": e.ID,
			"ip":       e.IPAddress,
			"device":   e.DeviceInfo(),
			"readings": readings,
		},
	})
}

// ReadingChanged pushes a single sensor change.
func (h *WSHub) ReadingChanged(e registry.Entry, r printer.Reading) {
	h.BroadcastNotification("notify_state_changed", []interface{}{
		map[string]interface{}{
			"entry_id": e.ID,
			"ip":       e.IPAddress,
			"reading":  r,
		},
	})
}

func (h *WSHub) EntryUnloaded(e registry.Entry) {
	h.BroadcastNotification("notify_entry_unloaded", []interface{}{
		map[string]interface{}{
			"entry_id": e.ID,
			"ip":       e.IPAddress,
		},
	})
}

// HandleWebSocket upgrades the HTTP connection to WebSocket and processes JSON-RPC.
func (h *WSHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	client := &WSClient{conn: conn}
	h.register(client)
	defer func() {
		h.unregister(client)
		conn.Close()
	}()

	log.Debugf("WebSocket client connected from %s", r.RemoteAddr)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("WebSocket read error: %v", err)
			}
			break
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(message, &req); err != nil {
			_ = client.send(jsonRPCResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: rpcParseError, Message: "Parse error"},
			})
			continue
		}

		h.handleRPC(client, &req)
	}
}

func (h *WSHub) handleRPC(client *WSClient, req *jsonRPCRequest) {
	log.Debugf("WebSocket RPC: method=%s id=%v", req.Method, req.ID)

	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "server.info":
		resp.Result = h.serverInfo()

	case "printer.list":
		resp.Result = map[string]interface{}{"printers": h.server.printerList()}

	case "printer.states":
		p, ok := h.server.printers.Printer(extractStringParam(req.Params, "entry_id"))
		if !ok {
			resp.Error = &rpcError{Code: rpcInvalidParams, Message: "unknown entry_id"}
			break
		}
		resp.Result = map[string]interface{}{"readings": p.Device.Readings()}

	case "printer.gcode.script":
		entryID := extractStringParam(req.Params, "entry_id")
		p, err := h.server.targetPrinter(entryID)
		if err != nil {
			resp.Error = &rpcError{Code: rpcInvalidParams, Message: targetPrinterMessage(err, entryID)}
			break
		}
		script := extractStringParam(req.Params, "script")
		if script == "" {
			resp.Error = &rpcError{Code: rpcInvalidParams, Message: "script is required"}
			break
		}
		if err := sendScript(p, script); err != nil {
			resp.Error = &rpcError{Code: rpcInternalError, Message: err.Error()}
			break
		}
		resp.Result = "ok"

	default:
		resp.Error = &rpcError{
			Code:    rpcMethodNotFound,
			Message: "Method not found: " + req.Method,
		}
	}

	if resp.Error != nil {
		log.Debugf("WebSocket RPC error: method=%s code=%d msg=%s", req.Method, resp.Error.Code, resp.Error.Message)
	}

	if err := client.send(resp); err != nil {
		log.Debugf("WebSocket response send error: %v", err)
	}
}

func (h *WSHub) serverInfo() map[string]interface{} {
	return map[string]interface{}{
		"domain":            registry.Domain,
		"printers":          len(h.server.printers.Printers()),
		"websocket_clients": h.ClientCount(),
		"uptime":            time.Since(h.server.started).Seconds(),
	}
}

func extractStringParam(params interface{}, key string) string {
	if p, ok := params.(map[string]interface{}); ok {
		if v, ok := p[key].(string); ok {
			return v
		}
	}
	return ""
}
