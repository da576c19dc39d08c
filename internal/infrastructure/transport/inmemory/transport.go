// Package inmemorytransport connects the peers of a federation living in the same
// process. Peers can be disconnected to simulate faults.
package inmemorytransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const queueSize = 4096

type Network struct {
	lock         sync.RWMutex
	peers        map[domain.PeerID]*transport
	disconnected map[domain.PeerID]bool
}

func NewNetwork() *Network {
	return &Network{
		peers:        make(map[domain.PeerID]*transport),
		disconnected: make(map[domain.PeerID]bool),
	}
}

// Transport returns the endpoint of the given peer, creating it if needed.
func (n *Network) Transport(id domain.PeerID) ports.Transport {
	n.lock.Lock()
	defer n.lock.Unlock()

	if t, ok := n.peers[id]; ok {
		return t
	}
	t := &transport{
		id:       id,
		network:  n,
		messages: make(chan ports.PeerMessage, queueSize),
	}
	n.peers[id] = t
	return t
}

// Disconnect drops every message from and to the peer.
func (n *Network) Disconnect(id domain.PeerID) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.disconnected[id] = true
}

func (n *Network) Reconnect(id domain.PeerID) {
	n.lock.Lock()
	defer n.lock.Unlock()
	delete(n.disconnected, id)
}

func (n *Network) deliver(from, to domain.PeerID, msg ports.PeerMessage) error {
	n.lock.RLock()
	defer n.lock.RUnlock()

	if n.disconnected[from] || n.disconnected[to] {
		return nil
	}
	dst, ok := n.peers[to]
	if !ok {
		return fmt.Errorf("unknown peer %s", to)
	}

	msg.From = from
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)
	msg.Payload = payload

	dst.lock.RLock()
	defer dst.lock.RUnlock()
	if dst.closed {
		return nil
	}
	select {
	case dst.messages <- msg:
	default:
		log.WithField("peer", to).Warn("inbound queue full, dropping message")
	}
	return nil
}

type transport struct {
	id       domain.PeerID
	network  *Network
	lock     sync.RWMutex
	messages chan ports.PeerMessage
	closed   bool
}

func (t *transport) Broadcast(_ context.Context, msg ports.PeerMessage) error {
	t.network.lock.RLock()
	ids := make([]domain.PeerID, 0, len(t.network.peers))
	for id := range t.network.peers {
		if id != t.id {
			ids = append(ids, id)
		}
	}
	t.network.lock.RUnlock()

	for _, id := range ids {
		if err := t.network.deliver(t.id, id, msg); err != nil {
			return err
		}
	}
	return nil
}

func (t *transport) Send(_ context.Context, to domain.PeerID, msg ports.PeerMessage) error {
	return t.network.deliver(t.id, to, msg)
}

func (t *transport) Messages() <-chan ports.PeerMessage {
	return t.messages
}

func (t *transport) Close() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.closed {
		t.closed = true
		close(t.messages)
	}
}
