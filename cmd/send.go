package cmd

import (
	"mime"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dropwire/dropwire/channel"
	"github.com/dropwire/dropwire/dnschannel"
	"github.com/dropwire/dropwire/lib"
	"github.com/dropwire/dropwire/protocol"
	"github.com/dropwire/dropwire/tcpchannel"
)

var sendCmdFileName string

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a file to the peer",
	Long: `Send a file to the peer.

The file is encrypted with a fresh key, checksummed and handed to the
peer as a single message over the selected transport.

Examples:
	dropwire send --file blueprints.docx --peer 192.0.2.7:8844
	dropwire -t dns --domain example.com --resolver 192.0.2.1:53 send -f notes.txt`,
	Run: func(cmd *cobra.Command, args []string) {
		sendLogger := log.WithFields(log.Fields{"module": "send"})

		if sendCmdFileName == "" {
			sendLogger.Fatal("please provide a file name to send")
		}
		if err := options.ValidateTransport(); err != nil {
			sendLogger.Fatal(err)
		}

		data, err := os.ReadFile(sendCmdFileName)
		if err != nil {
			sendLogger.Fatal(err)
		}
		if len(data) > protocol.MaxPayloadSize {
			sendLogger.Fatalf("file exceeds the %d byte transfer limit", protocol.MaxPayloadSize)
		}

		name := filepath.Base(sendCmdFileName)
		mimeType := mime.TypeByExtension(filepath.Ext(name))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		sendLogger.WithFields(log.Fields{"file": name, "size": len(data), "mime": mimeType}).
			Info("file name and size")

		ch, err := senderChannel()
		if err != nil {
			sendLogger.Fatal(err)
		}
		defer ch.Close()

		coord := protocol.New(ch)
		defer coord.Close()
		coord.OnStatusChanged(func(text string) {
			sendLogger.Info(text)
		})

		coord.SelectFile(name, mimeType, data)
		if err := coord.RequestSend(); err != nil {
			sendLogger.WithError(err).Fatal("transfer failed")
		}
		if coord.SenderState() != protocol.SendSent {
			sendLogger.Fatal("peer not reachable, nothing was sent")
		}

		sendLogger.Info("done, the file should be on the other side")
	},
}

// senderChannel builds the outbound channel for the selected transport.
func senderChannel() (channel.Channel, error) {
	if options.Transport == lib.TransportDNS {
		return dnschannel.NewClient(options.Domain, options.Resolver), nil
	}
	return tcpchannel.Dial(options.PeerAddr)
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&sendCmdFileName, "file", "f", "", "The file to send.")
	sendCmd.Flags().StringVarP(&options.PeerAddr, "peer", "p", "", "Peer address for the tcp transport. (ie: 192.0.2.7:8844)")
}
