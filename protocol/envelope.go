package protocol

import "encoding/json"

// MessageTypeFile is the discriminator value that marks a channel message
// as a file transfer. Other protocols may multiplex their own types over
// the same channel; the receiver ignores anything else.
const MessageTypeFile = "file-incoming"

// Message is the outer wire shape shared by everything on the channel.
// Only the file-incoming variant carries a payload this package defines.
type Message struct {
	Type     string    `json:"type"`
	FileData *FileData `json:"fileData,omitempty"`
}

// FileData is the envelope for one complete encrypted file.
//
// The key travels inside the same message as the ciphertext, so the scheme
// protects against an observer of a different channel, not one able to
// read this channel's traffic. That is a documented limitation of the
// protocol, not an implementation accident.
type FileData struct {
	Name string `json:"name"`
	Type string `json:"type"` // MIME type
	Size uint64 `json:"size"` // original plaintext length
	Key  []byte `json:"key"`
	Hash string `json:"hash"` // checksum of the plaintext
	Data []byte `json:"data"` // ciphertext
}

// Encode serializes a message for the channel.
func (m *Message) Encode() (json.RawMessage, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a raw inbound channel message. A nil message with a
// nil error means the payload belongs to another protocol multiplexed on
// the channel and must be ignored without any state transition.
func DecodeMessage(raw json.RawMessage) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ProtocolError{Reason: "invalid json: " + err.Error()}
	}

	if m.Type != MessageTypeFile {
		return nil, nil
	}

	if m.FileData == nil {
		return nil, &ProtocolError{Reason: "file message without fileData"}
	}
	if len(m.FileData.Key) != KeySize {
		return nil, &ProtocolError{Reason: "file message with malformed key"}
	}
	if m.FileData.Hash == "" {
		return nil, &ProtocolError{Reason: "file message without hash"}
	}

	return &m, nil
}
