// Package discovery advertises and browses the local-link mDNS service
// _cis._tcp.local. Discovery is optional: the node functions with only
// bootstrap addresses if discovery is disabled or the network is isolated.
package discovery

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/cis-systems/cis-node/internal/corelib/errs"
)

const serviceType = "_cis._tcp"

// Announcement is the TXT-record payload advertised for this node.
type Announcement struct {
	NodeID       string
	DID          string
	Version      string
	Capabilities []string
	Port         int
}

// PeerSighting is one discovered peer.
type PeerSighting struct {
	NodeID       string
	DID          string
	Version      string
	Capabilities []string
	Addresses    []string
	SeenAt       time.Time
}

// Service advertises this node and maintains a bounded cache of sighted
// peers, refreshing (not stacking) duplicates by node_id.
type Service struct {
	server *mdns.Server

	mu    sync.Mutex
	cache map[string]PeerSighting
	cap   int
}

// Advertise starts advertising ann on the local network. Returns a Service
// whose Close stops advertising.
func Advertise(ann Announcement, hostname string) (*Service, error) {
	info := []string{
		"node_id=" + ann.NodeID,
		"did=" + ann.DID,
		"version=" + ann.Version,
		"caps=" + strings.Join(ann.Capabilities, ","),
	}
	svc, err := mdns.NewMDNSService(ann.NodeID, serviceType+".", "", hostname, ann.Port, nil, info)
	if err != nil {
		return nil, errs.Wrap(errs.Network, "construct mdns service", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, errs.Wrap(errs.Network, "start mdns server", err)
	}
	return &Service{server: server, cache: make(map[string]PeerSighting), cap: 256}, nil
}

// Close stops advertising.
func (s *Service) Close() error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown()
}

// Browse performs a single bounded discovery pass, returning within timeout
// even on an isolated network (empty result, never blocks indefinitely).
func Browse(ctx context.Context, timeout time.Duration) ([]PeerSighting, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 32)
	results := make([]PeerSighting, 0, 8)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for e := range entriesCh {
			results = append(results, sightingFromEntry(e))
		}
	}()

	params := mdns.DefaultParams(serviceType)
	params.Timeout = timeout
	params.Entries = entriesCh

	queryCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- mdns.QueryContext(queryCtx, params)
		close(entriesCh)
	}()

	select {
	case err := <-errCh:
		<-done
		if err != nil {
			return nil, errs.Wrap(errs.Network, "mdns query", err)
		}
	case <-queryCtx.Done():
		<-done
	}
	return results, nil
}

func sightingFromEntry(e *mdns.ServiceEntry) PeerSighting {
	sighting := PeerSighting{SeenAt: time.Now()}
	addr := e.AddrV4
	if addr != nil {
		sighting.Addresses = append(sighting.Addresses, addr.String()+":"+strconv.Itoa(e.Port))
	}
	for _, field := range e.InfoFields {
		k, v, ok := splitTXT(field)
		if !ok {
			continue
		}
		switch k {
		case "node_id":
			sighting.NodeID = v
		case "did":
			sighting.DID = v
		case "version":
			sighting.Version = v
		case "caps":
			if v != "" {
				sighting.Capabilities = strings.Split(v, ",")
			}
		}
	}
	return sighting
}

func splitTXT(field string) (key, value string, ok bool) {
	idx := strings.IndexByte(field, '=')
	if idx < 0 {
		return "", "", false
	}
	return field[:idx], field[idx+1:], true
}

// Upsert records or refreshes a sighting in the bounded cache, keyed by
// node_id so duplicates refresh rather than stack.
func (s *Service) Upsert(p PeerSighting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cache[p.NodeID]; !exists && len(s.cache) >= s.cap {
		return // bounded cache full; drop new, keep existing
	}
	s.cache[p.NodeID] = p
}

func (s *Service) Cached() []PeerSighting {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerSighting, 0, len(s.cache))
	for _, p := range s.cache {
		out = append(out, p)
	}
	return out
}
