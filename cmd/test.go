package cmd

import (
	"bytes"
	"crypto/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dropwire/dropwire/channel"
	"github.com/dropwire/dropwire/protocol"
)

// testCmd represents the test command
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Self-test the transfer pipeline",
	Long: `Self-test the transfer pipeline.

Runs a complete transfer between two in-process peers over a loopback
channel: key generation, encryption, checksum, envelope, decryption and
verification. No network is used.

Example:
	dropwire test`,
	Run: func(cmd *cobra.Command, args []string) {
		testLogger := log.WithFields(log.Fields{"module": "test"})

		payload := make([]byte, 4096)
		if _, err := rand.Read(payload); err != nil {
			testLogger.Fatal(err)
		}

		a, b := channel.Loopback()

		sender := protocol.New(a)
		defer sender.Close()
		receiver := protocol.New(b)
		defer receiver.Close()

		done := make(chan *protocol.ReceivedFile, 1)
		receiver.OnFileReady(func(rf *protocol.ReceivedFile) {
			done <- rf
		})

		sender.SelectFile("probe.bin", "application/octet-stream", payload)
		if err := sender.RequestSend(); err != nil {
			testLogger.WithError(err).Fatal("send failed")
		}

		select {
		case rf := <-done:
			if rf.Name != "probe.bin" || !bytes.Equal(rf.Data, payload) {
				testLogger.Fatal("round trip produced a different file")
			}
			testLogger.WithField("size", len(rf.Data)).Info("loopback round trip ok")
		case <-time.After(10 * time.Second):
			testLogger.Fatal("round trip timed out")
		}
	},
}

func init() {
	rootCmd.AddCommand(testCmd)
}
