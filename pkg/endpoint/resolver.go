// Package endpoint selects which connected peer receives a command.
//
// The bridge addresses exactly one display at a time. Peers are considered in
// the order their source reports them (connection order for cloud.Hub) and
// the first one wins. Setting Resolver.Identity pins resolution to a single
// peer identity instead.
package endpoint

// Endpoint is a connected remote peer that can receive an addressed call.
type Endpoint struct {
	Identity string
}

// Peer is one entry of a connected-peer set.
type Peer interface {
	PeerIdentity() string
}

// PeerSource reports the live peer set in stable order.
type PeerSource interface {
	Peers() []Peer
}

// Resolver picks the endpoint for a dispatch. It keeps no state between
// calls.
type Resolver struct {
	// Identity, when non-empty, restricts resolution to that peer.
	Identity string
}

// Resolve returns the endpoint to address, or false when none qualifies.
func (r Resolver) Resolve(peers []Peer) (Endpoint, bool) {
	for _, p := range peers {
		if p == nil {
			continue
		}
		id := p.PeerIdentity()
		if r.Identity != "" && id != r.Identity {
			continue
		}
		return Endpoint{Identity: id}, true
	}
	return Endpoint{}, false
}

// ResolveFrom re-reads src and resolves. A nil source resolves to nothing.
func (r Resolver) ResolveFrom(src PeerSource) (*Endpoint, bool) {
	if src == nil {
		return nil, false
	}
	ep, ok := r.Resolve(src.Peers())
	if !ok {
		return nil, false
	}
	return &ep, true
}

// StaticPeer is a Peer with a fixed identity.
type StaticPeer string

// PeerIdentity implements Peer.
func (s StaticPeer) PeerIdentity() string { return string(s) }

// StaticSource is a fixed peer list, handy for tests and tools.
type StaticSource []string

// Peers implements PeerSource.
func (s StaticSource) Peers() []Peer {
	out := make([]Peer, len(s))
	for i, id := range s {
		out[i] = StaticPeer(id)
	}
	return out
}
