package dnschannel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/dropwire/dropwire/channel"
	"github.com/dropwire/dropwire/lib"
)

// Client is the lookup side of the DNS channel. Send chunks a message
// into A-record lookups against the peer's domain and checks that every
// one of them is acked with the success address.
//
// Client implements channel.Channel for a send-only peer: the medium
// never delivers inbound messages here, so subscriptions are inert.
type Client struct {
	domain   string
	resolver string

	dns *dns.Client

	mu      sync.Mutex
	probed  bool
	healthy bool
	closed  bool

	log *logrus.Entry
}

// NewClient creates a DNS channel client for domain, resolving through
// resolver ("host:53" of the peer or a path to it).
func NewClient(domain, resolver string) *Client {
	return &Client{
		domain:   domain,
		resolver: resolver,
		dns:      &dns.Client{Timeout: 10 * time.Second},
		log:      logrus.WithFields(logrus.Fields{"module": "dnschannel", "domain": domain}),
	}
}

// Connected reports peer reachability. The first call probes the resolver
// with a throwaway lookup; the result is cached for the client lifetime.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if !c.probed {
		c.probed = true
		c.healthy = c.probe()
	}
	return c.healthy
}

// probe checks that the resolver answers at all. The answer content does
// not matter, an unknown label is simply refused with the failure address.
// The random label keeps intermediate resolvers from answering from cache.
func (c *Client) probe() bool {
	name := dns.Fqdn(fmt.Sprintf("%s.ping.%s", lib.RandomString(5), c.domain))
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)

	if _, _, err := c.dns.Exchange(m, c.resolver); err != nil {
		c.log.WithError(err).Warn("dns channel probe failed")
		return false
	}
	return true
}

// Send chunks msg into lookups and resolves them in order. Every lookup
// must be acked with the success address or the send fails.
func (c *Client) Send(msg json.RawMessage) error {
	if !c.Connected() {
		return channel.ErrClosed
	}

	requests, err := Requestify(msg)
	if err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{"bytes": len(msg), "lookups": len(requests)}).
		Info("sending message over dns")

	for i, r := range requests {
		name := dns.Fqdn(fmt.Sprintf("%s.%s", r, c.domain))

		m := new(dns.Msg)
		m.SetQuestion(name, dns.TypeA)

		in, _, err := c.dns.Exchange(m, c.resolver)
		if err != nil {
			return fmt.Errorf("lookup %d/%d failed: %w", i+1, len(requests), err)
		}

		if !ackOK(in) {
			return fmt.Errorf("peer did not ack lookup %d/%d", i+1, len(requests))
		}
	}

	return nil
}

// ackOK checks that the answer carries the success address.
func ackOK(in *dns.Msg) bool {
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok && a.A.String() == SuccessResponse {
			return true
		}
	}
	return false
}

// Subscribe registers h, but a client end never receives messages, so the
// handler will not be invoked. The subscription exists to satisfy the
// channel contract.
func (c *Client) Subscribe(h channel.Handler) channel.Subscription {
	return noopSub{}
}

// Close marks the client as closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type noopSub struct{}

func (noopSub) Cancel() {}
