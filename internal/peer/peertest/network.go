// Package peertest provides an in-memory peer.Provider whose connections
// "connect" once an offer/answer exchange completes, with knobs for failing
// or severing links.
package peertest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/peer"
)

// ErrInjected is returned by Negotiate while the network is failing.
var ErrInjected = errors.New("peertest: injected negotiation failure")

type description struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Network links connections created by its providers.
type Network struct {
	mu           sync.Mutex
	seq          int
	offers       map[string]*Conn
	answers      map[string]*Conn
	conns        []*Conn
	failing      bool
	silent       bool
	negotiations int
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		offers:  make(map[string]*Conn),
		answers: make(map[string]*Conn),
	}
}

// Provider returns a peer.Provider creating connections on n.
func (n *Network) Provider() peer.Provider {
	return providerFunc(func(ev peer.Events) (peer.Connection, error) {
		c := &Conn{net: n, events: ev, enabled: map[peer.MediaKind]bool{peer.Audio: true, peer.Video: true}}
		n.mu.Lock()
		n.conns = append(n.conns, c)
		n.mu.Unlock()
		return c, nil
	})
}

// SetFailing makes every subsequent Negotiate call fail.
func (n *Network) SetFailing(v bool) {
	n.mu.Lock()
	n.failing = v
	n.mu.Unlock()
}

// SetSilent completes negotiations without ever reporting a connection.
func (n *Network) SetSilent(v bool) {
	n.mu.Lock()
	n.silent = v
	n.mu.Unlock()
}

// Negotiations counts successful Negotiate calls.
func (n *Network) Negotiations() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.negotiations
}

// Open counts connections that are linked and not closed.
func (n *Network) Open() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, c := range n.conns {
		if c.linked != nil && !c.closed {
			count++
		}
	}
	return count
}

// Conns returns every connection created so far, oldest first.
func (n *Network) Conns() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Conn(nil), n.conns...)
}

// Sever drops every live link, reporting a disconnect on both ends.
func (n *Network) Sever() {
	n.mu.Lock()
	var dropped []*Conn
	for _, c := range n.conns {
		if c.linked != nil && !c.closed {
			c.linked = nil
			dropped = append(dropped, c)
		}
	}
	n.mu.Unlock()

	for _, c := range dropped {
		if c.events.OnDisconnected != nil {
			go c.events.OnDisconnected(errors.New("peertest: link severed"))
		}
	}
}

type providerFunc func(peer.Events) (peer.Connection, error)

func (f providerFunc) CreateConnection(ev peer.Events) (peer.Connection, error) { return f(ev) }

// Conn is one end of an in-memory link.
type Conn struct {
	net     *Network
	events  peer.Events
	linked  *Conn
	closed  bool
	enabled map[peer.MediaKind]bool
}

func (c *Conn) Negotiate(ctx context.Context, incoming []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if c.closed {
		return nil, peer.ErrClosed
	}
	if n.failing {
		return nil, ErrInjected
	}

	if incoming == nil {
		n.seq++
		id := strconv.Itoa(n.seq)
		n.offers[id] = c
		n.negotiations++
		return sonic.Marshal(description{Type: "offer", ID: id})
	}

	var d description
	if err := sonic.Unmarshal(incoming, &d); err != nil {
		return nil, fmt.Errorf("peertest: decoding description: %w", err)
	}

	switch d.Type {
	case "offer":
		n.answers[d.ID] = c
		n.negotiations++
		return sonic.Marshal(description{Type: "answer", ID: d.ID})
	case "answer":
		if n.offers[d.ID] != c {
			return nil, fmt.Errorf("peertest: answer %s does not match an offer from this connection", d.ID)
		}
		other := n.answers[d.ID]
		if other == nil || other.closed {
			return nil, fmt.Errorf("peertest: answerer for %s is gone", d.ID)
		}
		n.negotiations++
		c.linked, other.linked = other, c
		if !n.silent {
			for _, end := range []*Conn{c, other} {
				if end.events.OnConnected != nil {
					go end.events.OnConnected()
				}
			}
		}
		return nil, nil
	}
	return nil, peer.ErrUnexpectedSignal
}

func (c *Conn) SetMediaEnabled(kind peer.MediaKind, enabled bool) error {
	c.net.mu.Lock()
	c.enabled[kind] = enabled
	c.net.mu.Unlock()
	return nil
}

// MediaEnabled reports the last SetMediaEnabled value for kind.
func (c *Conn) MediaEnabled(kind peer.MediaKind) bool {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.enabled[kind]
}

func (c *Conn) Close() error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.closed = true
	if c.linked != nil {
		c.linked.linked = nil
		c.linked = nil
	}
	return nil
}
