package cmd

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dropwire/dropwire/lib"
)

var (
	// Version is the current version
	Version = "1.1.0"

	// options are CLI options shared by the subcommands
	options = lib.NewOptions()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dropwire",
	Short: "Encrypted single-file drops between two peers",
	Long: `Encrypted single-file drops between two peers.
    Version: ` + Version + `

A file is encrypted with a fresh key, checksummed, and handed to the peer
as one message over the selected transport. The receiver refuses anything
that fails decryption or whose checksum does not match.

Note: the transfer key travels inside the same message as the ciphertext,
so the scheme does not protect against an eavesdropper able to read this
channel's traffic. Use a trusted transport for the channel itself.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

		if options.Debug {
			log.SetLevel(log.DebugLevel)
			log.Debug("debug logging enabled")
		} else {
			log.SetLevel(log.InfoLevel)
		}
		if options.DisableLogging {
			log.SetOutput(io.Discard)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	// logging
	rootCmd.PersistentFlags().BoolVar(&options.Debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&options.DisableLogging, "disable-logging", false, "disable all logging")

	// transport
	rootCmd.PersistentFlags().StringVarP(&options.Transport, "transport", "t", lib.TransportTCP,
		"Transport to use. [possible: tcp, dns]")
	rootCmd.PersistentFlags().StringVarP(&options.Domain, "domain", "d", "",
		"DNS domain for the dns transport. (ie: example.com)")
	rootCmd.PersistentFlags().StringVar(&options.Resolver, "resolver", "",
		"Resolver address for the dns transport. (ie: 192.0.2.1:53)")
}
