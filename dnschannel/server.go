package dnschannel

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/dropwire/dropwire/channel"
)

// Server is the listening side of the DNS channel. It answers A-record
// lookups for the configured domain, reassembles the chunked streams and
// delivers each completed message to its subscribers.
//
// Server implements channel.Channel for a receive-only peer: Send always
// fails because the medium gives the server no way to push a message back.
type Server struct {
	addr   string
	domain string

	mu       sync.Mutex
	streams  map[string]*stream
	handlers map[int]channel.Handler
	nextID   int
	running  bool

	srv *dns.Server
	log *logrus.Entry
}

// NewServer creates a DNS channel server for domain, listening on addr
// (usually ":53").
func NewServer(addr, domain string) *Server {
	s := &Server{
		addr:     addr,
		domain:   domain,
		streams:  make(map[string]*stream),
		handlers: make(map[int]channel.Handler),
		log:      logrus.WithFields(logrus.Fields{"module": "dnschannel", "domain": domain}),
	}
	s.srv = &dns.Server{Addr: addr, Net: "udp", Handler: s}
	return s
}

// ListenAndServe blocks serving lookups until Close is called.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.log.WithField("addr", s.addr).Info("starting dns channel server")
	err := s.srv.ListenAndServe()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return err
}

// Connected reports whether the server is accepting lookups.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Send is not supported on the server side of a DNS channel.
func (s *Server) Send(json.RawMessage) error {
	return fmt.Errorf("dns channel server cannot send")
}

// Subscribe registers a handler for reassembled inbound messages.
func (s *Server) Subscribe(h channel.Handler) channel.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.handlers[id] = h

	return &serverSub{srv: s, id: id}
}

// Close shuts the DNS server down.
func (s *Server) Close() error {
	return s.srv.Shutdown()
}

type serverSub struct {
	srv *Server
	id  int
}

func (su *serverSub) Cancel() {
	su.srv.mu.Lock()
	defer su.srv.mu.Unlock()
	delete(su.srv.handlers, su.id)
}

// ServeDNS reads incoming lookups and feeds them through the stream
// spool. Every A lookup is answered with a success or failure address so
// the sender knows whether to keep going.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	if len(r.Question) == 0 {
		w.WriteMsg(&msg)
		return
	}

	domain := r.Question[0].Name
	response := FailureResponse

	if r.Question[0].Qtype == dns.TypeA {
		response = s.handleLookup(r)
	}

	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: domain, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP(response),
	})
	w.WriteMsg(&msg)
}

// handleLookup advances the stream a lookup belongs to and returns the
// answer address for it.
func (s *Server) handleLookup(r *dns.Msg) string {
	ident, status, seq, data, err := s.parseLabels(r)
	if err != nil {
		s.log.WithError(err).Debug("failed to parse lookup")
		return FailureResponse
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.streams[ident]

	switch {
	case status == StreamStart && !ok:
		s.streams[ident] = &stream{ident: ident, seq: seq, started: true}
		s.log.WithField("stream", ident).Info("new incoming dns stream")
		return SuccessResponse

	case status == StreamStart && ok:
		s.log.WithField("stream", ident).Error("not starting a new stream for an existing identifier")
		return FailureResponse

	case status == StreamData && ok && !buf.finished:
		buf.data = append(buf.data, data...)
		buf.seq = seq
		s.log.WithFields(logrus.Fields{"stream": ident, "seq": seq, "bytes": len(data)}).
			Debug("wrote received data chunk")
		return SuccessResponse

	case status == StreamEnd && ok && !buf.finished:
		buf.finished = true
		buf.started = false
		delete(s.streams, ident)

		payload := make(json.RawMessage, len(buf.data))
		copy(payload, buf.data)

		handlers := make([]channel.Handler, 0, len(s.handlers))
		for _, h := range s.handlers {
			handlers = append(handlers, h)
		}

		s.log.WithFields(logrus.Fields{"stream": ident, "bytes": len(payload)}).
			Info("dns stream complete")

		// Deliver outside the lock; a handler may call back into the server.
		s.mu.Unlock()
		for _, h := range handlers {
			h(payload)
		}
		s.mu.Lock()

		return SuccessResponse

	default:
		s.log.WithFields(logrus.Fields{"stream": ident, "status": fmt.Sprintf("%#x", status)}).
			Error("lookup does not fit any active stream")
		return FailureResponse
	}
}

// parseLabels splits and parses the relevant labels from a question.
// See Requestify for the hostname structure.
func (s *Server) parseLabels(r *dns.Msg) (ident string, status byte, seq int, data []byte, err error) {
	labels := strings.Split(r.Question[0].Name, ".")

	if len(labels) < 8 {
		return "", 0, 0, nil, fmt.Errorf("question had less than 8 labels")
	}

	ident = labels[0]

	statusBytes, err := hex.DecodeString(labels[1])
	if err != nil || len(statusBytes) != 1 {
		return "", 0, 0, nil, fmt.Errorf("failed to decode status label")
	}
	status = statusBytes[0]

	seq, err = strconv.Atoi(labels[2])
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("failed to convert seq to int")
	}

	dataLen, err := strconv.Atoi(labels[4])
	if err != nil || dataLen > 3 {
		return "", 0, 0, nil, fmt.Errorf("failed to convert data length to int")
	}

	var encoded string
	switch dataLen {
	case 1:
		encoded = labels[5]
	case 2:
		encoded = labels[5] + labels[6]
	case 3:
		encoded = labels[5] + labels[6] + labels[7]
	}

	data, err = hex.DecodeString(encoded)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("failed to decode label data")
	}

	if labels[3] != fmt.Sprintf("%08x", crc32.ChecksumIEEE(data)) {
		s.log.WithFields(logrus.Fields{"stream": ident, "expected-crc": labels[3]}).
			Warn("crc32 check failed")
	}

	return ident, status, seq, data, nil
}
