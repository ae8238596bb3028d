// Package tangle implements ports.Transport as a small REST client and
// server pair, grounded on the teacher's internal/service/server
// package: a gorilla/mux router serving JSON-over-HTTP endpoints, plus a
// gorilla/websocket broadcast so a running Sync loop can wake up on new
// blobs instead of polling blindly.
package tangle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"

	"streams/internal/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Store is the durable key/blob backend a Server fronts: an in-process
// Memory transport or a redistransport.Transport both satisfy it.
type Store interface {
	Put(ctx context.Context, index [32]byte, blob []byte) error
	Get(ctx context.Context, index [32]byte) ([]byte, error)
}

// Server exposes a Store over HTTP, plus a websocket broadcast of newly
// written indices. Watchers register under a channel id, but every write
// is sent to every watcher (see broadcast).
type Server struct {
	store Store

	mu   sync.Mutex
	subs map[string]map[*websocket.Conn]struct{} // channel id hex -> conns
}

// NewServer wraps store for HTTP access.
func NewServer(store Store) *Server {
	return &Server{
		store: store,
		subs:  make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Router builds the gorilla/mux router the caller passes to
// http.ListenAndServe.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/blob/{index}", s.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/blob/{index}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/watch/{channel}", s.handleWatch).Methods(http.MethodGet)
	return r
}

type putRequest struct {
	Blob []byte `json:"blob"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	indexHex := mux.Vars(r)["index"]
	index, err := decodeIndex(indexHex)
	if err != nil {
		http.Error(w, "bad index", http.StatusBadRequest)
		return
	}
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if err := s.store.Put(r.Context(), index, req.Blob); err != nil {
		log.Error("tangle: put failed", zap.Error(err))
		http.Error(w, "put failed", http.StatusInternalServerError)
		return
	}
	s.broadcast(indexHex)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	indexHex := mux.Vars(r)["index"]
	index, err := decodeIndex(indexHex)
	if err != nil {
		http.Error(w, "bad index", http.StatusBadRequest)
		return
	}
	blob, err := s.store.Get(r.Context(), index)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(putRequest{Blob: blob})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("tangle: websocket upgrade failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*websocket.Conn]struct{})
	}
	s.subs[channel][conn] = struct{}{}
	s.mu.Unlock()

	// drain the connection so a dead peer is noticed and cleaned up.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.subs[channel], conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcast notifies every watcher of every channel that a new index was
// written. The server doesn't parse the index into a channel id itself
// (that's an envelope-layer concept); watchers filter client-side, so
// this fans out globally rather than per-channel today.
func (s *Server) broadcast(indexHex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conns := range s.subs {
		for c := range conns {
			if err := c.WriteMessage(websocket.TextMessage, []byte(indexHex)); err != nil {
				log.Debug("tangle: websocket write failed", zap.Error(err))
			}
		}
	}
}

func decodeIndex(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
