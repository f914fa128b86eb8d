package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/store"
)

//go:embed static/*
var staticFiles embed.FS

// Engine is the slice of the relay the console consumes. Both the real
// engine and the simulator satisfy it.
type Engine interface {
	SenderID() string
	PeerCount() int
	SendSOS(lat, lng float64, floor int) (string, error)
	SendCustom(typ, payload string, priority, floor int) (string, error)
}

type Server struct {
	ledger store.Ledger
	engine Engine
	port   int
}

func NewServer(ledger store.Ledger, eng Engine, port int) *Server {
	return &Server{
		ledger: ledger,
		engine: eng,
		port:   port,
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return err
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/sos", s.handleSOS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/graph", s.handleGraph)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	slog.Info("Web console starting", "port", s.port)
	return srv.ListenAndServe()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	tmpl, err := template.ParseFS(staticFiles, "static/index.html")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tmpl.Execute(w, nil)
}

// messageView joins the wire message with the local record bookkeeping.
type messageView struct {
	protocol.Message
	ReceivedAt     time.Time `json:"receivedAt"`
	Delivered      bool      `json:"delivered"`
	ForwardedCount int       `json:"forwardedCount"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.handlePostMessage(w, r)
		return
	}

	recs, err := s.ledger.Recent(50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]messageView, 0, len(recs))
	for _, rec := range recs {
		msg, ok := protocol.FromJSON([]byte(rec.Raw))
		if !ok {
			continue
		}
		views = append(views, messageView{
			Message:        msg,
			ReceivedAt:     rec.ReceivedAt,
			Delivered:      rec.Delivered,
			ForwardedCount: rec.ForwardedCount,
		})
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].ReceivedAt.Before(views[j].ReceivedAt)
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var typ, payload string
	var priority, floor int

	if r.Header.Get("Content-Type") == "application/json" {
		var req struct {
			Type     string `json:"type"`
			Payload  string `json:"payload"`
			Priority int    `json:"priority"`
			Floor    int    `json:"floor"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		typ, payload, priority, floor = req.Type, req.Payload, req.Priority, req.Floor
	} else {
		typ = r.FormValue("type")
		payload = r.FormValue("payload")
	}

	if payload == "" {
		http.Error(w, "Payload required", http.StatusBadRequest)
		return
	}
	if typ == "" {
		typ = protocol.TypeARUpdate
	}

	id, err := s.engine.SendCustom(typ, payload, priority, floor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "sent", "msgId": id})
}

func (s *Server) handleSOS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Lat   float64 `json:"lat"`
		Lng   float64 `json:"lng"`
		Floor int     `json:"floor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.engine.SendSOS(req.Lat, req.Lng, req.Floor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "sent", "msgId": id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"sender_id": s.engine.SenderID(),
		"peers":     s.engine.PeerCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleGraph draws the local reachability star: this device in the middle,
// every sender whose traffic reached us around it. The engine keeps no
// global topology, so origins are all the console can honestly show.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	recs, err := s.ledger.Recent(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type Node struct {
		ID    string `json:"id"`
		Label string `json:"label"`
		Color string `json:"color"`
		Shape string `json:"shape"`
	}
	type Link struct {
		From string `json:"from"`
		To   string `json:"to"`
	}

	nodes := []Node{}
	links := []Link{}

	myID := s.engine.SenderID()
	nodes = append(nodes, Node{
		ID:    myID,
		Label: "ME",
		Color: "#00FF00",
		Shape: "box",
	})

	sosSenders := make(map[string]bool)
	seen := make(map[string]bool)
	var order []string
	for _, rec := range recs {
		msg, ok := protocol.FromJSON([]byte(rec.Raw))
		if !ok || msg.SenderID == myID {
			continue
		}
		if msg.Type == protocol.TypeSOS {
			sosSenders[msg.SenderID] = true
		}
		if !seen[msg.SenderID] {
			seen[msg.SenderID] = true
			order = append(order, msg.SenderID)
		}
	}

	for _, id := range order {
		color := "#008800"
		if sosSenders[id] {
			color = "#FF4444"
		}
		label := id
		if len(label) > 8 {
			label = label[:8]
		}
		nodes = append(nodes, Node{
			ID:    id,
			Label: label,
			Color: color,
			Shape: "dot",
		})
		links = append(links, Link{From: myID, To: id})
	}

	resp := map[string]interface{}{
		"nodes": nodes,
		"links": links,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
