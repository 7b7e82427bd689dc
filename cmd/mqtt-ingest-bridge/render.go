package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mqtt-ingest-bridge/internal/format"
	"mqtt-ingest-bridge/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	renderTemplate string
	renderCharset  string
)

var renderCmd = &cobra.Command{
	Use:   "render <topic> [payload]",
	Short: "Print the message body a delivery would produce",
	Long:  "Renders a template against a topic and payload the same way the bridge does. The payload is read from stdin when omitted.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		if len(args) == 2 {
			raw = []byte(args[1])
		} else {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
			raw = data
		}

		decoder, err := format.NewDecoder(renderCharset)
		if err != nil {
			return err
		}
		payload, err := decoder.Decode(raw)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), format.Render(renderTemplate, args[0], payload))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	renderCmd.Flags().StringVar(&renderTemplate, "template", store.DefaultMessageTemplate, "message template")
	renderCmd.Flags().StringVar(&renderCharset, "charset", "utf-8", "payload charset (IANA name)")

	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(versionCmd)
}

