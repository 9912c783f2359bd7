// Package protocol implements the secure single-file transfer protocol:
// per-transfer key generation, authenticated payload encryption, plaintext
// checksums, the wire envelope, and the sender and receiver state machines
// that coordinate one file handoff over a shared channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dropwire/dropwire/channel"
)

// SendState is the sender side state for the current transfer attempt.
type SendState uint8

const (
	// SendIdle means no file is selected.
	SendIdle SendState = iota
	// SendFilePending means a file is selected and waiting for a send request.
	SendFilePending
	// SendPreparing means a send is in flight: key generation, encryption,
	// checksum and channel handoff.
	SendPreparing
	// SendSent means the envelope was handed to the channel.
	SendSent
	// SendFailed means the attempt failed; the selection is retained so the
	// user can retry without reselecting.
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendIdle:
		return "idle"
	case SendFilePending:
		return "file pending"
	case SendPreparing:
		return "preparing"
	case SendSent:
		return "sent"
	case SendFailed:
		return "send failed"
	default:
		return "unknown"
	}
}

// ReceiveState is the receiver side state for the current inbound message.
type ReceiveState uint8

const (
	// RecvWaiting means the receiver is listening for inbound messages.
	RecvWaiting ReceiveState = iota
	// RecvReceiving means a recognized message is being decrypted.
	RecvReceiving
	// RecvVerifying means the plaintext checksum is being compared.
	RecvVerifying
	// RecvReceived means the last message produced a verified file.
	RecvReceived
	// RecvFailed means the last message failed decryption or verification.
	RecvFailed
)

func (s ReceiveState) String() string {
	switch s {
	case RecvWaiting:
		return "waiting"
	case RecvReceiving:
		return "receiving"
	case RecvVerifying:
		return "verifying"
	case RecvReceived:
		return "received"
	case RecvFailed:
		return "receive failed"
	default:
		return "unknown"
	}
}

// PendingFile is the sender-local selection, held from selection until a
// send succeeds or a new selection replaces it.
type PendingFile struct {
	Name string
	Type string // MIME type
	Data []byte
}

// ReceivedFile is a fully decrypted and checksum-verified inbound file.
// One is only ever materialized after verification succeeds; a tampered or
// corrupted transfer never produces one.
type ReceivedFile struct {
	Name string
	Type string
	Size uint64
	Data []byte
}

// inboundQueueDepth bounds the FIFO of inbound messages awaiting the pump.
const inboundQueueDepth = 16

// Coordinator drives one outbound and any number of inbound transfers over
// a shared channel. All receiver state transitions happen on a single pump
// goroutine, so inbound messages are processed strictly in arrival order
// and the held ReceivedFile slot is never interleaved.
type Coordinator struct {
	mu sync.Mutex

	ch  channel.Channel
	sub channel.Subscription

	sendState SendState
	pending   *PendingFile

	recvState ReceiveState
	received  *ReceivedFile

	onStatus    func(string)
	onFileReady func(*ReceivedFile)

	inbound chan json.RawMessage
	done    chan struct{}
	pumped  sync.WaitGroup
	closed  bool

	log *logrus.Entry
}

// New creates a coordinator bound to ch and starts listening for inbound
// messages. The caller must Close the coordinator to release the channel
// subscription and stop the pump.
func New(ch channel.Channel) *Coordinator {
	c := &Coordinator{
		ch:        ch,
		sendState: SendIdle,
		recvState: RecvWaiting,
		inbound:   make(chan json.RawMessage, inboundQueueDepth),
		done:      make(chan struct{}),
		log:       logrus.WithField("module", "coordinator"),
	}

	if ch != nil {
		c.sub = ch.Subscribe(c.enqueue)
	}

	c.pumped.Add(1)
	go c.pump()

	return c
}

// OnStatusChanged registers the callback for human-readable phase and
// error descriptions. Pass nil to clear.
func (c *Coordinator) OnStatusChanged(fn func(string)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// OnFileReady registers the callback invoked with every verified inbound
// file. Pass nil to clear.
func (c *Coordinator) OnFileReady(fn func(*ReceivedFile)) {
	c.mu.Lock()
	c.onFileReady = fn
	c.mu.Unlock()
}

// SenderState returns the current sender state.
func (c *Coordinator) SenderState() SendState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendState
}

// ReceiverState returns the current receiver state.
func (c *Coordinator) ReceiverState() ReceiveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvState
}

// SelectFile stores a file for sending. Selecting a new file always
// replaces a previously selected but unsent one.
func (c *Coordinator) SelectFile(name, mimeType string, data []byte) {
	c.mu.Lock()
	c.pending = &PendingFile{Name: name, Type: mimeType, Data: data}
	c.sendState = SendFilePending
	c.mu.Unlock()

	c.status(fmt.Sprintf("selected %s (%d bytes)", name, len(data)))
}

// RequestSend encrypts and sends the pending file.
//
// The request is a no-op when no channel is attached, the channel is not
// connected, or nothing is selected. While a previous request is still
// preparing, ErrSendInFlight is returned and no second envelope is
// produced; the protocol layer enforces single-flight regardless of
// consumer discipline.
//
// On failure the selection is retained so the user may retry.
func (c *Coordinator) RequestSend() error {
	c.mu.Lock()
	if c.sendState == SendPreparing {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	if c.ch == nil || !c.ch.Connected() || c.pending == nil {
		c.mu.Unlock()
		return nil
	}
	pending := c.pending
	c.sendState = SendPreparing
	ch := c.ch
	c.mu.Unlock()

	transferID := uuid.NewString()
	log := c.log.WithFields(logrus.Fields{
		"transfer": transferID,
		"file":     pending.Name,
		"size":     len(pending.Data),
	})

	log.Info("preparing transfer")
	c.status("encrypting " + pending.Name)

	raw, err := seal(pending)
	if err == nil {
		if serr := ch.Send(raw); serr != nil {
			err = &ChannelError{Err: serr}
		}
	}

	c.mu.Lock()
	if err != nil {
		c.sendState = SendFailed
	} else {
		c.sendState = SendSent
		c.pending = nil
	}
	c.mu.Unlock()

	if err != nil {
		log.WithError(err).Error("transfer failed")
		c.status("send failed: " + err.Error())
		return err
	}

	log.Info("envelope handed to channel")
	c.status("sent " + pending.Name)
	return nil
}

// seal builds the wire message for one pending file: fresh key, ciphertext
// and a checksum of the original plaintext. The checksum is computed after
// encryption completes, and both complete before the envelope leaves.
func seal(pf *PendingFile) (json.RawMessage, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	ciphertext, err := Encrypt(pf.Data, key)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Type: MessageTypeFile,
		FileData: &FileData{
			Name: pf.Name,
			Type: pf.Type,
			Size: uint64(len(pf.Data)),
			Key:  key[:],
			Hash: Checksum(pf.Data),
			Data: ciphertext,
		},
	}

	return msg.Encode()
}

// ExportReceived hands the currently held verified file to the caller and
// clears the slot. It returns nil when nothing is held.
func (c *Coordinator) ExportReceived() *ReceivedFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	rf := c.received
	c.received = nil
	return rf
}

// Close cancels the channel subscription and stops the inbound pump. It is
// safe to call more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	close(c.done)
	c.pumped.Wait()
}

// enqueue is the channel handler. It only queues; all processing happens
// on the pump goroutine so messages are handled strictly FIFO.
func (c *Coordinator) enqueue(msg json.RawMessage) {
	select {
	case c.inbound <- msg:
	case <-c.done:
	}
}

func (c *Coordinator) pump() {
	defer c.pumped.Done()
	for {
		select {
		case msg := <-c.inbound:
			c.handleInbound(msg)
		case <-c.done:
			return
		}
	}
}

// handleInbound runs one inbound message through the receiver state
// machine. Whatever the outcome, the receiver is back in RecvWaiting when
// it returns; no partial state survives between transfers.
func (c *Coordinator) handleInbound(raw json.RawMessage) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		c.log.WithError(err).Warn("rejected inbound message")
		c.failReceive(err)
		return
	}
	if msg == nil {
		// Another protocol multiplexed on the channel. Not ours, not an error.
		return
	}

	fd := msg.FileData
	log := c.log.WithFields(logrus.Fields{
		"file": fd.Name,
		"size": fd.Size,
	})

	c.setReceiveState(RecvReceiving)
	c.status("receiving " + fd.Name)

	key, err := KeyFromBytes(fd.Key)
	if err != nil {
		log.WithError(err).Error("transfer rejected")
		c.failReceive(err)
		return
	}

	plaintext, err := Decrypt(fd.Data, key)
	if err != nil {
		log.WithError(err).Error("decryption failed")
		c.failReceive(err)
		return
	}

	c.setReceiveState(RecvVerifying)

	if sum := Checksum(plaintext); sum != fd.Hash {
		log.WithFields(logrus.Fields{"expected": fd.Hash, "actual": sum}).
			Error("checksum mismatch")
		c.failReceive(&IntegrityError{Expected: fd.Hash, Actual: sum})
		return
	}

	if uint64(len(plaintext)) != fd.Size {
		// The envelope lied about the plaintext it carries.
		log.WithField("actual_size", len(plaintext)).Error("size mismatch")
		c.failReceive(&ProtocolError{Reason: "declared size does not match plaintext"})
		return
	}

	rf := &ReceivedFile{Name: fd.Name, Type: fd.Type, Size: fd.Size, Data: plaintext}

	c.mu.Lock()
	// Only one verified file is held at a time; an unexported predecessor
	// is replaced.
	c.received = rf
	c.recvState = RecvReceived
	ready := c.onFileReady
	c.mu.Unlock()

	log.Info("file verified")
	c.status("received " + fd.Name)
	if ready != nil {
		ready(rf)
	}

	c.setReceiveState(RecvWaiting)
}

// failReceive records a terminal receive failure and returns the receiver
// to RecvWaiting. No ReceivedFile is produced.
func (c *Coordinator) failReceive(err error) {
	c.setReceiveState(RecvFailed)
	c.status("receive failed: " + err.Error())
	c.setReceiveState(RecvWaiting)
}

func (c *Coordinator) setReceiveState(s ReceiveState) {
	c.mu.Lock()
	c.recvState = s
	c.mu.Unlock()
}

func (c *Coordinator) status(text string) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}
