// Package wstransport links the peers of the federation over websockets. Every peer
// dials the others and sends signed envelopes on the outbound link, while the
// inbound links are only read.
package wstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

const (
	peerPath         = "/peer"
	outboxSize       = 1024
	inboxSize        = 4096
	seenCacheSize    = 65536
	writeTimeout     = 10 * time.Second
	maxMessageSize   = 32 << 20
	maxReconnectWait = 10 * time.Second
)

type Config struct {
	Self        domain.PeerID
	Federation  *domain.Federation
	IdentityKey *btcec.PrivateKey
	// address the peer endpoint listens on
	ListenAddr string
}

type transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	dialer   websocket.Dialer
	seen     *lru.Cache[string, struct{}]
	messages chan ports.PeerMessage
	links    map[domain.PeerID]*link

	lock    sync.Mutex
	inbound map[*websocket.Conn]struct{}
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// link is the outbound connection to one peer.
type link struct {
	peer   domain.Peer
	outbox chan envelope
}

func NewTransport(cfg Config) (ports.Transport, error) {
	if cfg.Federation == nil || cfg.IdentityKey == nil {
		return nil, fmt.Errorf("missing federation or identity key")
	}
	if _, ok := cfg.Federation.Peer(cfg.Self); !ok {
		return nil, fmt.Errorf("peer %s is not part of the federation", cfg.Self)
	}
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &transport{
		cfg:      cfg,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		seen:     seen,
		messages: make(chan ports.PeerMessage, inboxSize),
		links:    make(map[domain.PeerID]*link),
		inbound:  make(map[*websocket.Conn]struct{}),
		cancel:   cancel,
	}

	router := mux.NewRouter()
	router.HandleFunc(peerPath, t.handleInbound)
	t.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("peer endpoint stopped")
		}
	}()

	for _, p := range cfg.Federation.Peers {
		if p.ID == cfg.Self {
			continue
		}
		l := &link{peer: p, outbox: make(chan envelope, outboxSize)}
		t.links[p.ID] = l
		t.wg.Add(1)
		go t.runLink(ctx, l)
	}

	log.Infof("peer transport listening on %s", cfg.ListenAddr)
	return t, nil
}

func (t *transport) Broadcast(ctx context.Context, msg ports.PeerMessage) error {
	for id := range t.links {
		if err := t.Send(ctx, id, msg); err != nil {
			return err
		}
	}
	return nil
}

func (t *transport) Send(ctx context.Context, to domain.PeerID, msg ports.PeerMessage) error {
	l, ok := t.links[to]
	if !ok {
		return fmt.Errorf("unknown peer %s", to)
	}
	env := envelope{
		ID:      uuid.New().String(),
		From:    t.cfg.Self,
		To:      &to,
		Kind:    msg.Kind,
		Payload: msg.Payload,
	}
	hash, err := env.sigHash()
	if err != nil {
		return err
	}
	if env.Signature, err = domain.SignHash(t.cfg.IdentityKey, hash); err != nil {
		return err
	}

	select {
	case l.outbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		log.WithField("peer", to).Warn("outbox full, dropping message")
		return nil
	}
}

func (t *transport) Messages() <-chan ports.PeerMessage {
	return t.messages
}

func (t *transport) Close() {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return
	}
	t.closed = true
	for conn := range t.inbound {
		_ = conn.Close()
	}
	t.lock.Unlock()

	t.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("failed to shut down peer endpoint")
	}
	t.wg.Wait()
	close(t.messages)
}

// runLink keeps the outbound connection to a peer alive and writes its outbox.
func (t *transport) runLink(ctx context.Context, l *link) {
	defer t.wg.Done()

	url := wsURL(l.peer.PeerURL)
	for {
		var conn *websocket.Conn
		operation := func() error {
			c, _, err := t.dialer.DialContext(ctx, url, nil)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}
		bo := backoff.NewExponentialBackOff()
		bo.MaxInterval = maxReconnectWait
		bo.MaxElapsedTime = 0
		if err := backoff.RetryNotify(
			operation, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
				log.WithError(err).WithField("peer", l.peer.ID).Debugf(
					"failed to dial peer, retrying in %s", wait,
				)
			},
		); err != nil {
			return
		}
		log.WithField("peer", l.peer.ID).Debug("connected to peer")

		if err := t.writeLoop(ctx, conn, l); err != nil {
			log.WithError(err).WithField("peer", l.peer.ID).Debug("peer link broken")
		}
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (t *transport) writeLoop(ctx context.Context, conn *websocket.Conn, l *link) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-l.outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				// put the message back for the next connection
				select {
				case l.outbox <- env:
				default:
				}
				return err
			}
		}
	}
}

func (t *transport) handleInbound(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("failed to upgrade peer connection")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		_ = conn.Close()
		return
	}
	t.inbound[conn] = struct{}{}
	t.wg.Add(1)
	t.lock.Unlock()

	defer func() {
		t.lock.Lock()
		delete(t.inbound, conn)
		t.lock.Unlock()
		_ = conn.Close()
		t.wg.Done()
	}()

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := t.open(buf)
		if err != nil {
			log.WithError(err).Debug("dropped peer envelope")
			continue
		}
		select {
		case t.messages <- msg:
		default:
			log.WithField("peer", msg.From).Warn("inbound queue full, dropping message")
		}
	}
}

// open authenticates an envelope and drops the ones seen before.
func (t *transport) open(buf []byte) (ports.PeerMessage, error) {
	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return ports.PeerMessage{}, err
	}
	if env.To == nil || *env.To != t.cfg.Self {
		return ports.PeerMessage{}, fmt.Errorf("envelope not addressed to us")
	}
	if env.From == t.cfg.Self {
		return ports.PeerMessage{}, fmt.Errorf("envelope from ourselves")
	}
	hash, err := env.sigHash()
	if err != nil {
		return ports.PeerMessage{}, err
	}
	if err := t.cfg.Federation.VerifySignature(env.From, hash, env.Signature); err != nil {
		return ports.PeerMessage{}, err
	}
	if ok, _ := t.seen.ContainsOrAdd(env.ID, struct{}{}); ok {
		return ports.PeerMessage{}, fmt.Errorf("duplicate envelope %s", env.ID)
	}
	return ports.PeerMessage{From: env.From, Kind: env.Kind, Payload: env.Payload}, nil
}

func wsURL(peerURL string) string {
	url := strings.TrimSuffix(peerURL, "/")
	url = strings.Replace(url, "http://", "ws://", 1)
	url = strings.Replace(url, "https://", "wss://", 1)
	return url + peerPath
}
