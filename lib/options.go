package lib

import (
	"errors"
	"strings"
)

// Transport names selectable from the CLI.
const (
	TransportTCP = "tcp"
	TransportDNS = "dns"
)

// Options are the CLI options shared by every command.
type Options struct {
	// Logging
	Debug          bool
	DisableLogging bool

	// Transport selection
	Transport string

	// TCP transport
	ListenAddr string
	PeerAddr   string

	// DNS transport
	Domain   string
	Resolver string

	// Where received files are written
	OutDir string
}

// NewOptions returns a new options struct.
func NewOptions() *Options {
	return &Options{}
}

// ValidateTransport checks that the selected transport has the settings it
// needs before a command starts using it.
func (o *Options) ValidateTransport() error {
	switch o.Transport {
	case TransportTCP:
		return nil
	case TransportDNS:
		if o.Domain == "" {
			return errors.New("a dns domain is required for the dns transport")
		}
		if strings.HasPrefix(o.Domain, ".") {
			return errors.New("the dns domain should be the base fqdn (without a leading dot)")
		}
		return nil
	default:
		return errors.New("invalid transport, expected tcp or dns")
	}
}
