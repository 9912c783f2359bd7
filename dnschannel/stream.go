// Package dnschannel carries channel messages over DNS A-record lookups.
//
// The sender chunks an encoded message into hostname labels and resolves
// them against the receiver, which runs an authoritative server for the
// configured domain, reassembles the stream and delivers the completed
// message to its subscribers. The medium is one-way: the sender only ever
// gets ack answers back, so only the server side delivers inbound
// messages.
package dnschannel

import (
	"crypto/rand"
	"fmt"
	"hash/crc32"

	"github.com/dropwire/dropwire/lib"
)

// Response codes sent as DNS answers.
const (
	SuccessResponse = "1.1.1.1"
	FailureResponse = "1.1.1.2"
)

// Request stream status markers.
const (
	StreamStart = 0xbe
	StreamData  = 0xef
	StreamEnd   = 0xca
)

// chunkSize is how many raw bytes one lookup carries. Hex encoding doubles
// the size, and a DNS label tops out at 63 characters, so each of the
// three data labels holds 30 bytes.
const chunkSize = 90

const labelSize = 30

// Requestify turns one encoded message into the hostnames to look up, in
// order. A full transfer is a start marker, data requests and an end
// marker, all tied together by a random stream identifier.
//
// Hostnames have the following labels:
//
//	ident.status.seq.crc32.datalen.data.data.data
//
//	ident:   the identifier for this specific stream
//	status:  stream status indicator. ie: start, sending, stop
//	seq:     a sequence number to track request count
//	crc32:   checksum of this request's raw bytes
//	datalen: how many of the data labels are in use
//	data:    the labels containing data
func Requestify(data []byte) ([]string, error) {
	seq := 1

	// the identifier ties the chunked requests back together server-side
	ident := make([]byte, 2)
	if _, err := rand.Read(ident); err != nil {
		return nil, err
	}

	var emptyBytes []byte
	requests := []string{fmt.Sprintf("%x.%x.%d.%08x.%x.%x.%x.%x",
		ident, StreamStart, seq-1, crc32.ChecksumIEEE(emptyBytes), 0, 0x00, 0x00, 0x00)}

	for _, s := range lib.ByteSplit(data, chunkSize) {
		labelSplit := lib.ByteSplit(s, labelSize)

		var dataLabel string
		switch len(labelSplit) {
		case 1:
			dataLabel = fmt.Sprintf("%x.%x.%x", labelSplit[0], 0x00, 0x00)
		case 2:
			dataLabel = fmt.Sprintf("%x.%x.%x", labelSplit[0], labelSplit[1], 0x00)
		case 3:
			dataLabel = fmt.Sprintf("%x.%x.%x", labelSplit[0], labelSplit[1], labelSplit[2])
		}

		requests = append(requests, fmt.Sprintf("%x.%x.%d.%08x.%x.%s",
			ident, StreamData, seq, crc32.ChecksumIEEE(s), len(labelSplit), dataLabel))

		seq++
	}

	requests = append(requests, fmt.Sprintf("%x.%x.%d.%08x.%x.%x.%x.%x",
		ident, StreamEnd, seq, crc32.ChecksumIEEE(emptyBytes), 0, 0x00, 0x00, 0x00))

	return requests, nil
}

// stream is a pending inbound conversation being reassembled.
type stream struct {
	ident    string
	data     []byte
	seq      int
	started  bool
	finished bool
}
