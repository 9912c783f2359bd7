package cmd

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dropwire/dropwire/channel"
	"github.com/dropwire/dropwire/dnschannel"
	"github.com/dropwire/dropwire/lib"
	"github.com/dropwire/dropwire/protocol"
	"github.com/dropwire/dropwire/tcpchannel"
)

// receiveCmd represents the receive command
var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Receive files from the peer",
	Long: `Receive files from the peer.

Listens on the selected transport and writes every verified file to the
output directory under its base name. Transfers that fail decryption or
whose checksum does not match are refused and never written.

Examples:
	dropwire receive --listen :8844
	dropwire -t dns --domain example.com receive`,
	Run: func(cmd *cobra.Command, args []string) {
		recvLogger := log.WithFields(log.Fields{"module": "receive"})

		if err := options.ValidateTransport(); err != nil {
			recvLogger.Fatal(err)
		}

		ch, err := receiverChannel(recvLogger)
		if err != nil {
			recvLogger.Fatal(err)
		}
		defer ch.Close()

		coord := protocol.New(ch)
		defer coord.Close()

		coord.OnStatusChanged(func(text string) {
			recvLogger.Info(text)
		})
		coord.OnFileReady(func(*protocol.ReceivedFile) {
			rf := coord.ExportReceived()
			if rf == nil {
				return
			}

			name := filepath.Base(rf.Name)
			if err := os.WriteFile(filepath.Join(options.OutDir, name), rf.Data, 0644); err != nil {
				recvLogger.WithError(err).WithField("file", name).
					Error("failed writing file to local disk")
				return
			}
			recvLogger.WithFields(log.Fields{"file": name, "size": rf.Size}).
				Info("wrote file to local disk")
		})

		recvLogger.Info("waiting for transfers, ctrl-c to stop")

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
	},
}

// receiverChannel builds the inbound channel for the selected transport.
func receiverChannel(recvLogger *log.Entry) (channel.Channel, error) {
	if options.Transport == lib.TransportDNS {
		srv := dnschannel.NewServer(options.ListenAddr, options.Domain)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				recvLogger.WithError(err).Fatal("failed to start dns channel server")
			}
		}()
		return srv, nil
	}

	ln, err := tcpchannel.Listen(options.ListenAddr)
	if err != nil {
		return nil, err
	}
	recvLogger.WithField("addr", ln.Addr().String()).Info("waiting for peer connection")
	return ln.Accept()
}

func init() {
	rootCmd.AddCommand(receiveCmd)

	receiveCmd.Flags().StringVarP(&options.ListenAddr, "listen", "l", ":8844", "Listen address. (dns transport uses :53)")
	receiveCmd.Flags().StringVarP(&options.OutDir, "out", "o", ".", "Directory to write received files to.")
}
