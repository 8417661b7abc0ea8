// Package pvetest provides an in-process fake of the cluster API for tests.
package pvetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/Fimeg/systemsdashboard/internal/auth"
)

// Inventory is the per-node guest list served by the fake.
type Inventory struct {
	VMs        []map[string]any
	Containers []map[string]any
	// Status, when non-zero, is returned for both inventory calls.
	Status int
}

// Server is a TLS httptest server speaking the subset of the API the
// collectors use. Fields must be set before the first request.
type Server struct {
	*httptest.Server

	Username string
	Password string
	Realm    string
	TokenID  string
	Secret   string

	Nodes map[string]Inventory

	mu      sync.Mutex
	calls   map[string]int
	tickets map[string]bool
	issued  int
}

// New starts a fake with one accepted password and one accepted token.
func New() *Server {
	s := &Server{
		Username: "alice",
		Password: "secret",
		Realm:    auth.DefaultRealm,
		TokenID:  "monitor@pve!dash",
		Secret:   "s3cr3t",
		Nodes:    map[string]Inventory{},
		calls:    map[string]int{},
		tickets:  map[string]bool{},
	}

	r := chi.NewRouter()
	r.Post("/api2/json/access/ticket", s.handleTicket)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/api2/json/version", s.handleVersion)
		r.Get("/api2/json/nodes", s.handleNodes)
		r.Get("/api2/json/nodes/{node}/qemu", s.handleGuests(func(i Inventory) []map[string]any { return i.VMs }))
		r.Get("/api2/json/nodes/{node}/lxc", s.handleGuests(func(i Inventory) []map[string]any { return i.Containers }))
		r.Get("/api2/json/nodes/{node}/status", s.handleStatus)
		r.Get("/api2/json/nodes/{node}/rrddata", s.handleRRD)
	})
	s.Server = httptest.NewTLSServer(r)
	return s
}

// Calls returns how often the path (without /api2/json) was requested.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// ExpireTickets revokes every ticket issued so far.
func (s *Server) ExpireTickets() {
	s.mu.Lock()
	s.tickets = map[string]bool{}
	s.mu.Unlock()
}

func (s *Server) record(r *http.Request) {
	s.mu.Lock()
	s.calls[strings.TrimPrefix(r.URL.Path, "/api2/json")]++
	s.mu.Unlock()
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("username") != s.Username || r.PostForm.Get("password") != s.Password || r.PostForm.Get("realm") != s.Realm {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"data":null,"message":"authentication failure"}`)
		return
	}
	s.mu.Lock()
	s.issued++
	ticket := fmt.Sprintf("PVE:%s@%s:%04d", s.Username, s.Realm, s.issued)
	s.tickets[ticket] = true
	s.mu.Unlock()
	writeData(w, map[string]string{"ticket": ticket, "username": s.Username + "@" + s.Realm})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.record(r)
		if h := r.Header.Get("Authorization"); h != "" {
			if c := auth.Extract(h); c != nil && c.TokenID == s.TokenID && c.TokenSecret == s.Secret {
				next.ServeHTTP(w, r)
				return
			}
		}
		if cookie, err := r.Cookie("PVEAuthCookie"); err == nil {
			s.mu.Lock()
			ok := s.tickets[cookie.Value]
			s.mu.Unlock()
			if ok {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"data":null}`)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeData(w, map[string]string{"version": "8.2.4", "release": "8.2"})
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := make([]map[string]any, 0, len(s.Nodes))
	for name := range s.Nodes {
		nodes = append(nodes, map[string]any{"node": name, "status": "online"})
	}
	writeData(w, nodes)
}

func (s *Server) handleGuests(pick func(Inventory) []map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inv, ok := s.Nodes[chi.URLParam(r, "node")]
		if !ok {
			http.Error(w, "no such node", http.StatusNotFound)
			return
		}
		if inv.Status != 0 {
			w.WriteHeader(inv.Status)
			fmt.Fprint(w, `{"data":null,"message":"node unavailable"}`)
			return
		}
		guests := pick(inv)
		if guests == nil {
			guests = []map[string]any{}
		}
		writeData(w, guests)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.Nodes[chi.URLParam(r, "node")]; !ok {
		http.Error(w, "no such node", http.StatusNotFound)
		return
	}
	writeData(w, map[string]any{"cpu": 0.12, "uptime": 3600})
}

func (s *Server) handleRRD(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("timeframe") != "hour" {
		http.Error(w, "timeframe required", http.StatusBadRequest)
		return
	}
	writeData(w, []map[string]any{{"time": 1700000000, "cpu": 0.1}})
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}
