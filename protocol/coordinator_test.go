package protocol

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropwire/dropwire/channel"
)

// mockChannel records sends and lets tests deliver inbound messages, in
// the spirit of a mock transport.
type mockChannel struct {
	mu        sync.Mutex
	connected bool
	sent      []json.RawMessage
	handlers  map[int]channel.Handler
	nextID    int
	sendErr   error
	blockSend chan struct{}
}

func newMockChannel() *mockChannel {
	return &mockChannel{
		connected: true,
		handlers:  make(map[int]channel.Handler),
	}
}

func (m *mockChannel) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockChannel) Send(msg json.RawMessage) error {
	m.mu.Lock()
	block := m.blockSend
	m.mu.Unlock()
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	dup := make(json.RawMessage, len(msg))
	copy(dup, msg)
	m.sent = append(m.sent, dup)
	return nil
}

func (m *mockChannel) Subscribe(h channel.Handler) channel.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	return &mockSub{ch: m, id: id}
}

func (m *mockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// deliver feeds one inbound message to the registered handlers.
func (m *mockChannel) deliver(msg json.RawMessage) {
	m.mu.Lock()
	handlers := make([]channel.Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (m *mockChannel) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockChannel) handlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

type mockSub struct {
	ch *mockChannel
	id int
}

func (s *mockSub) Cancel() {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	delete(s.ch.handlers, s.id)
}

// statusRecorder collects status strings thread-safely.
type statusRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *statusRecorder) record(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
}

func (r *statusRecorder) contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func TestEndToEndTransfer(t *testing.T) {
	original := []byte("0123456789")

	// Sender side.
	senderCh := newMockChannel()
	sender := New(senderCh)
	defer sender.Close()

	sender.SelectFile("a.txt", "text/plain", original)
	assert.Equal(t, SendFilePending, sender.SenderState())

	require.NoError(t, sender.RequestSend())
	require.Equal(t, 1, senderCh.sentCount(), "exactly one envelope on the channel")
	assert.Equal(t, SendSent, sender.SenderState())

	var msg Message
	require.NoError(t, json.Unmarshal(senderCh.sent[0], &msg))
	assert.Equal(t, MessageTypeFile, msg.Type)
	assert.Equal(t, "a.txt", msg.FileData.Name)
	assert.Equal(t, "text/plain", msg.FileData.Type)
	assert.Equal(t, uint64(10), msg.FileData.Size)
	assert.Equal(t, Checksum(original), msg.FileData.Hash)
	assert.Len(t, msg.FileData.Key, KeySize)
	assert.NotEqual(t, original, msg.FileData.Data, "ciphertext must not be the plaintext")

	// Receiver side, fed the exact wire message.
	recvCh := newMockChannel()
	receiver := New(recvCh)
	defer receiver.Close()

	ready := make(chan *ReceivedFile, 1)
	receiver.OnFileReady(func(rf *ReceivedFile) { ready <- rf })

	recvCh.deliver(senderCh.sent[0])

	select {
	case rf := <-ready:
		assert.Equal(t, "a.txt", rf.Name)
		assert.Equal(t, "text/plain", rf.Type)
		assert.Equal(t, uint64(10), rf.Size)
		assert.Equal(t, original, rf.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("verified file never surfaced")
	}

	// Export hands the file over once and clears the slot.
	rf := receiver.ExportReceived()
	require.NotNil(t, rf)
	assert.Nil(t, receiver.ExportReceived())
}

func TestCorruptedHashIsRefused(t *testing.T) {
	env := sealedEnvelope(t, "a.txt", []byte("0123456789"))
	env.FileData.Hash = Checksum([]byte("something else entirely"))
	raw, err := env.Encode()
	require.NoError(t, err)

	ch := newMockChannel()
	coord := New(ch)
	defer coord.Close()

	status := &statusRecorder{}
	coord.OnStatusChanged(status.record)
	readyCalls := 0
	coord.OnFileReady(func(*ReceivedFile) { readyCalls++ })

	ch.deliver(raw)

	require.Eventually(t, func() bool {
		return status.contains("integrity check failed")
	}, 5*time.Second, 10*time.Millisecond)

	assert.Zero(t, readyCalls, "a tampered transfer must never surface a file")
	assert.Nil(t, coord.ExportReceived())
	assert.Equal(t, RecvWaiting, coord.ReceiverState())
}

func TestTamperedCiphertextIsRefused(t *testing.T) {
	env := sealedEnvelope(t, "a.txt", []byte("0123456789"))
	env.FileData.Data[len(env.FileData.Data)/2] ^= 0x01
	raw, err := env.Encode()
	require.NoError(t, err)

	ch := newMockChannel()
	coord := New(ch)
	defer coord.Close()

	status := &statusRecorder{}
	coord.OnStatusChanged(status.record)
	coord.OnFileReady(func(*ReceivedFile) { t.Error("file surfaced for tampered ciphertext") })

	ch.deliver(raw)

	require.Eventually(t, func() bool {
		return status.contains("receive failed")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, coord.ExportReceived())
}

func TestForeignMessagesAreIgnored(t *testing.T) {
	ch := newMockChannel()
	coord := New(ch)
	defer coord.Close()

	status := &statusRecorder{}
	coord.OnStatusChanged(status.record)

	ready := make(chan *ReceivedFile, 2)
	coord.OnFileReady(func(rf *ReceivedFile) { ready <- rf })

	// A foreign message, then a real transfer. FIFO processing means that
	// once the transfer lands, the ping has already been handled.
	ch.deliver(json.RawMessage(`{"type":"ping"}`))

	env := sealedEnvelope(t, "after-ping.txt", []byte("payload"))
	raw, err := env.Encode()
	require.NoError(t, err)
	ch.deliver(raw)

	select {
	case rf := <-ready:
		assert.Equal(t, "after-ping.txt", rf.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer after ping never completed")
	}

	assert.Len(t, ready, 0, "the ping must not produce a file")
	assert.False(t, status.contains("failed"), "the ping must not produce an error status")
}

func TestSelectFileReplacesPending(t *testing.T) {
	ch := newMockChannel()
	coord := New(ch)
	defer coord.Close()

	coord.SelectFile("first.txt", "text/plain", []byte("first"))
	coord.SelectFile("second.txt", "text/plain", []byte("second"))
	require.NoError(t, coord.RequestSend())

	require.Equal(t, 1, ch.sentCount())
	var msg Message
	require.NoError(t, json.Unmarshal(ch.sent[0], &msg))
	assert.Equal(t, "second.txt", msg.FileData.Name, "only the second selection is ever sent")
}

func TestRequestSendNoOpConditions(t *testing.T) {
	// Nothing selected.
	ch := newMockChannel()
	coord := New(ch)
	require.NoError(t, coord.RequestSend())
	assert.Zero(t, ch.sentCount())
	coord.Close()

	// Not connected; the selection survives.
	ch = newMockChannel()
	ch.connected = false
	coord = New(ch)
	coord.SelectFile("a.txt", "text/plain", []byte("data"))
	require.NoError(t, coord.RequestSend())
	assert.Zero(t, ch.sentCount())
	assert.Equal(t, SendFilePending, coord.SenderState())
	coord.Close()

	// No channel at all.
	coord = New(nil)
	coord.SelectFile("a.txt", "text/plain", []byte("data"))
	require.NoError(t, coord.RequestSend())
	coord.Close()
}

func TestSingleFlightSend(t *testing.T) {
	ch := newMockChannel()
	ch.blockSend = make(chan struct{})

	coord := New(ch)
	defer coord.Close()
	coord.SelectFile("a.txt", "text/plain", []byte("0123456789"))

	first := make(chan error, 1)
	go func() { first <- coord.RequestSend() }()

	require.Eventually(t, func() bool {
		return coord.SenderState() == SendPreparing
	}, 5*time.Second, time.Millisecond)

	assert.ErrorIs(t, coord.RequestSend(), ErrSendInFlight)

	close(ch.blockSend)
	require.NoError(t, <-first)
	assert.Equal(t, 1, ch.sentCount(), "two interleaved envelopes must never be produced")
}

func TestSendFailureRetainsSelection(t *testing.T) {
	ch := newMockChannel()
	ch.sendErr = channel.ErrClosed

	coord := New(ch)
	defer coord.Close()

	status := &statusRecorder{}
	coord.OnStatusChanged(status.record)

	coord.SelectFile("a.txt", "text/plain", []byte("0123456789"))
	err := coord.RequestSend()
	require.Error(t, err)

	var cerr *ChannelError
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, SendFailed, coord.SenderState())
	assert.True(t, status.contains("send failed"))

	// Failure must not drop the selection: retry without reselecting.
	ch.mu.Lock()
	ch.sendErr = nil
	ch.mu.Unlock()

	require.NoError(t, coord.RequestSend())
	assert.Equal(t, SendSent, coord.SenderState())
	assert.Equal(t, 1, ch.sentCount())
}

func TestInboundProcessedInOrder(t *testing.T) {
	ch := newMockChannel()
	coord := New(ch)
	defer coord.Close()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	coord.OnFileReady(func(rf *ReceivedFile) {
		mu.Lock()
		order = append(order, rf.Name)
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	for _, name := range []string{"one", "two", "three"} {
		env := sealedEnvelope(t, name, []byte(name))
		raw, err := env.Encode()
		require.NoError(t, err)
		ch.deliver(raw)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transfers never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, order)
}

func TestReceivedFileReplacedByNewTransfer(t *testing.T) {
	ch := newMockChannel()
	coord := New(ch)
	defer coord.Close()

	done := make(chan struct{})
	count := 0
	coord.OnFileReady(func(*ReceivedFile) {
		count++
		if count == 2 {
			close(done)
		}
	})

	for _, name := range []string{"old", "new"} {
		env := sealedEnvelope(t, name, []byte(name+" content"))
		raw, err := env.Encode()
		require.NoError(t, err)
		ch.deliver(raw)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transfers never completed")
	}

	rf := coord.ExportReceived()
	require.NotNil(t, rf)
	assert.Equal(t, "new", rf.Name, "an unexported file is replaced by the next transfer")
	assert.Nil(t, coord.ExportReceived())
}

func TestCloseCancelsSubscription(t *testing.T) {
	ch := newMockChannel()
	coord := New(ch)

	require.Equal(t, 1, ch.handlerCount())
	coord.Close()
	assert.Zero(t, ch.handlerCount(), "teardown must not leak the channel subscription")

	// Closing twice is fine.
	coord.Close()
}

func TestLoopbackIntegration(t *testing.T) {
	a, b := channel.Loopback()

	sender := New(a)
	defer sender.Close()
	receiver := New(b)
	defer receiver.Close()

	ready := make(chan *ReceivedFile, 1)
	receiver.OnFileReady(func(rf *ReceivedFile) { ready <- rf })

	payload := []byte("over a real two-peer topology")
	sender.SelectFile("loop.txt", "text/plain", payload)
	require.NoError(t, sender.RequestSend())

	select {
	case rf := <-ready:
		assert.Equal(t, "loop.txt", rf.Name)
		assert.Equal(t, payload, rf.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never completed")
	}
}

// sealedEnvelope builds a valid wire envelope for tests that need to
// corrupt or deliver one directly.
func sealedEnvelope(t *testing.T, name string, data []byte) *Message {
	t.Helper()

	key, err := GenerateKey()
	require.NoError(t, err)
	ct, err := Encrypt(data, key)
	require.NoError(t, err)

	return &Message{
		Type: MessageTypeFile,
		FileData: &FileData{
			Name: name,
			Type: "text/plain",
			Size: uint64(len(data)),
			Key:  key[:],
			Hash: Checksum(data),
			Data: ct,
		},
	}
}
