package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/dreamware/devmesh/internal/cluster"
	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/fault"
)

// Transport moves gossip between nodes.
type Transport interface {
	// Send delivers a gossip message to peer.
	Send(ctx context.Context, peer device.Device, msg Message) error
	// Digest asks peer for the clock of every key it holds.
	Digest(ctx context.Context, peer device.Device) (Digest, error)
	// Fetch asks peer for the full entries of keys.
	Fetch(ctx context.Context, peer device.Device, keys []string) ([]Entry, error)
}

// HTTPTransport speaks the gossip endpoints served by Handler over JSON.
type HTTPTransport struct{}

// NewHTTPTransport returns a transport using the shared 5s JSON client.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, peer device.Device, msg Message) error {
	if err := cluster.PostJSON(ctx, cluster.BaseURL(peer.Address)+"/gossip", msg, nil); err != nil {
		return fault.Classify(peer.ID, err)
	}
	return nil
}

// Digest implements Transport.
func (t *HTTPTransport) Digest(ctx context.Context, peer device.Device) (Digest, error) {
	var resp DigestResponse
	if err := cluster.GetJSON(ctx, cluster.BaseURL(peer.Address)+"/gossip/digest", &resp); err != nil {
		return nil, fault.Classify(peer.ID, err)
	}
	return resp.Digest, nil
}

// Fetch implements Transport.
func (t *HTTPTransport) Fetch(ctx context.Context, peer device.Device, keys []string) ([]Entry, error) {
	var resp FetchResponse
	if err := cluster.PostJSON(ctx, cluster.BaseURL(peer.Address)+"/gossip/fetch", FetchRequest{Keys: keys}, &resp); err != nil {
		return nil, fault.Classify(peer.ID, err)
	}
	return resp.Entries, nil
}

// Handler serves the gossip endpoints of s:
//
//	POST /gossip         apply a Message
//	GET  /gossip/digest  return this node's Digest
//	POST /gossip/fetch   return the entries named in a FetchRequest
func Handler(s *Synchronizer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/gossip", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var msg Message
		if err := decode(r, &msg); err != nil {
			cluster.WriteError(w, http.StatusBadRequest, err)
			return
		}
		res := s.Receive(r.Context(), msg)
		cluster.WriteJSON(w, http.StatusOK, res)
	})
	mux.HandleFunc("/gossip/digest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, DigestResponse{NodeID: s.NodeID(), Digest: s.LocalDigest()})
	})
	mux.HandleFunc("/gossip/fetch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req FetchRequest
		if err := decode(r, &req); err != nil {
			cluster.WriteError(w, http.StatusBadRequest, err)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, FetchResponse{Entries: s.Entries(req.Keys)})
	})
	return mux
}

// MemoryNetwork connects synchronizers living in one process. Nodes can be
// cut off with SetDown to simulate partitions.
type MemoryNetwork struct {
	nodes map[string]*Synchronizer
	down  map[string]bool
	mu    sync.RWMutex
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*Synchronizer), down: make(map[string]bool)}
}

// Join attaches s under its node id.
func (n *MemoryNetwork) Join(s *Synchronizer) {
	n.mu.Lock()
	n.nodes[s.NodeID()] = s
	n.mu.Unlock()
}

// SetDown makes every call to id fail as unreachable while down is true.
func (n *MemoryNetwork) SetDown(id string, down bool) {
	n.mu.Lock()
	n.down[id] = down
	n.mu.Unlock()
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(v)
}

var errNoSuchNode = errors.New("no such node")

func (n *MemoryNetwork) node(id string) (*Synchronizer, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.nodes[id]
	if !ok || n.down[id] {
		return nil, fault.Unreachable(id, errNoSuchNode)
	}
	return s, nil
}

// Send implements Transport.
func (n *MemoryNetwork) Send(ctx context.Context, peer device.Device, msg Message) error {
	s, err := n.node(peer.ID)
	if err != nil {
		return err
	}
	s.Receive(ctx, cloneMessage(msg))
	return nil
}

// Digest implements Transport.
func (n *MemoryNetwork) Digest(_ context.Context, peer device.Device) (Digest, error) {
	s, err := n.node(peer.ID)
	if err != nil {
		return nil, err
	}
	return s.LocalDigest(), nil
}

// Fetch implements Transport.
func (n *MemoryNetwork) Fetch(_ context.Context, peer device.Device, keys []string) ([]Entry, error) {
	s, err := n.node(peer.ID)
	if err != nil {
		return nil, err
	}
	return s.Entries(keys), nil
}

func cloneMessage(m Message) Message {
	out := m
	out.Entries = make([]Entry, len(m.Entries))
	for i, e := range m.Entries {
		out.Entries[i] = e.Clone()
	}
	return out
}
