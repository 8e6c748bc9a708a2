// Package web exposes the engine over HTTP: Prometheus metrics, a JSON
// control-surface REST API, and a live websocket feed of threat alerts.
// Grounded on the teacher's internal/websocket.Server (register/unregister/
// broadcast goroutine loop, Client read/write pumps) rewired to broadcast
// ThreatAlert/verdict events instead of NetworkEvents, plus a
// prometheus.Collector exposing the engine's own statistics snapshot.
package web

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iolloyd/gridwatcher/internal/engine"
	"github.com/iolloyd/gridwatcher/internal/ipv4"
	"github.com/iolloyd/gridwatcher/internal/mitigation"
	"github.com/iolloyd/gridwatcher/internal/scada"
)

// AlertEvent is the JSON payload broadcast to every websocket client for
// each ThreatAlert the engine mitigates.
type AlertEvent struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Dest       string    `json:"dest"`
	AttackType string    `json:"attack_type"`
	Severity   string    `json:"severity"`
	Confidence float64   `json:"confidence"`
	Action     string    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
	Description string   `json:"description"`
}

// Server serves the REST/metrics/websocket surface in front of an engine.
type Server struct {
	addr string
	eng  *engine.Engine

	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	mu         sync.RWMutex

	httpServer *http.Server
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// New constructs a Server bound to addr (e.g. ":9090"), wired to eng's alert
// feed and control surface.
func New(addr string, eng *engine.Engine) *Server {
	s := &Server{
		addr:       addr,
		eng:        eng,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	eng.OnAlert(s.onAlert)
	return s
}

func (s *Server) onAlert(alert scada.ThreatAlert, action mitigation.Action) {
	event := AlertEvent{
		ID:          alert.ID,
		Source:      alert.SourceEndpoint.String(),
		Dest:        alert.DestEndpoint.String(),
		AttackType:  alert.AttackType.String(),
		Severity:    alert.Severity.String(),
		Confidence:  alert.Confidence,
		Action:      action.String(),
		Timestamp:   alert.Timestamp,
		Description: alert.Description,
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("web: marshal alert event: %v", err)
		return
	}
	select {
	case s.broadcast <- data:
	default:
		log.Println("web: broadcast channel full, dropping alert event")
	}
}

// Start launches the broadcast loop and the HTTP server. It blocks until
// the server stops; run it in a goroutine.
func (s *Server) Start() error {
	go s.run()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(newRegistry(s.eng), promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/blocks", s.handleListBlocks)
	mux.HandleFunc("/api/block", s.handleBlock)
	mux.HandleFunc("/api/unblock", s.handleUnblock)
	mux.HandleFunc("/api/whitelist", s.handleWhitelist)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}
	log.Printf("web: listening on %s", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server, closing its listener and every open
// connection immediately; in-flight requests are not waited for.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) run() {
	for {
		select {
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			s.mu.Unlock()

		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
			}
			s.mu.Unlock()

		case message := <-s.broadcast:
			s.mu.RLock()
			targets := make([]*client, 0, len(s.clients))
			for c := range s.clients {
				targets = append(targets, c)
			}
			s.mu.RUnlock()

			for _, c := range targets {
				select {
				case c.send <- message:
				default:
					s.mu.Lock()
					delete(s.clients, c)
					s.mu.Unlock()
					close(c.send)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade failed: %v", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 256)}
	s.register <- c
	go c.writePump(s)
	go c.readPump(s)
}

func (c *client) readPump(s *Server) {
	defer func() {
		s.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump(s *Server) {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

type blockRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks := s.eng.ListBlockedIPs()
	writeJSON(w, http.StatusOK, blocks)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ep, err := ipv4.Parse(req.IP)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.eng.BlockIP(ep, attackFromString(req.Reason))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ep, err := ipv4.Parse(req.IP)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	existed := s.eng.UnblockIP(ep)
	writeJSON(w, http.StatusOK, map[string]bool{"existed": existed})
}

type whitelistRequest struct {
	IP     string `json:"ip"`
	Remove bool   `json:"remove"`
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ep, err := ipv4.Parse(req.IP)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Remove {
		s.eng.RemoveWhitelist(ep)
	} else {
		s.eng.AddWhitelist(ep)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"statistics": s.eng.StatisticsSnapshot(),
		"metrics":    s.eng.MetricsSnapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func attackFromString(s string) scada.AttackType {
	switch s {
	case "PORT_SCAN":
		return scada.AttackPortScan
	case "DOS_FLOOD":
		return scada.AttackDoSFlood
	case "UNAUTHORIZED_WRITE":
		return scada.AttackUnauthorizedWrite
	case "MALFORMED_FRAME":
		return scada.AttackMalformedFrame
	case "PROTOCOL_EXCEPTION_STORM":
		return scada.AttackProtocolExceptionStorm
	case "SIZE_ANOMALY":
		return scada.AttackSizeAnomaly
	default:
		return scada.AttackNone
	}
}

// newRegistry builds a fresh Prometheus registry carrying a single
// collector that reads the engine's statistics/metrics snapshots on every
// scrape, modeled on how webnifico-openstack_instance_exporter and
// Rakivili-ThreatGraph both expose a custom prometheus.Collector rather than
// wiring individual metric objects through business logic.
func newRegistry(eng *engine.Engine) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(eng))
	return reg
}
