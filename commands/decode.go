package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"peapod/wire"
)

func decodeCmd() *cobra.Command {
	var handshake bool
	cmd := &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode an unencrypted frame (or a handshake with --handshake)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("decode hex: %w", err)
			}
			if handshake {
				return printHandshake(cmd.OutOrStdout(), raw)
			}
			return printFrames(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().BoolVar(&handshake, "handshake", false, "input is a 49-byte connection handshake")
	return cmd
}

func printHandshake(out io.Writer, raw []byte) error {
	h, err := wire.ParseHandshake(raw)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Handshake v%d device=%s key=%s\n", h.Version, h.DeviceID, h.PublicKey)
	return nil
}

// printFrames decodes every frame in raw, one per line.
func printFrames(out io.Writer, raw []byte) error {
	for len(raw) > 0 {
		message, n, err := wire.DecodeFrame(raw)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, describe(message))
		raw = raw[n:]
	}
	return nil
}

func describe(message wire.Message) string {
	switch m := message.(type) {
	case wire.Beacon:
		return fmt.Sprintf("%s v%d device=%s key=%s port=%d", m.Type(), m.Version, m.DeviceID, m.PublicKey, m.ListenPort)
	case wire.DiscoveryResponse:
		return fmt.Sprintf("%s v%d device=%s key=%s port=%d", m.Type(), m.Version, m.DeviceID, m.PublicKey, m.ListenPort)
	case wire.Join:
		return fmt.Sprintf("%s device=%s", m.Type(), m.DeviceID)
	case wire.Leave:
		return fmt.Sprintf("%s device=%s", m.Type(), m.DeviceID)
	case wire.Heartbeat:
		return fmt.Sprintf("%s device=%s", m.Type(), m.DeviceID)
	case wire.ChunkRequest:
		return fmt.Sprintf("%s transfer=%s range=[%d,%d)", m.Type(), m.TransferID, m.Start, m.End)
	case wire.ChunkData:
		return fmt.Sprintf("%s transfer=%s range=[%d,%d) hash=%x payload=%d bytes", m.Type(), m.TransferID, m.Start, m.End, m.Hash, len(m.Payload))
	case wire.Nack:
		return fmt.Sprintf("%s transfer=%s range=[%d,%d)", m.Type(), m.TransferID, m.Start, m.End)
	default:
		return message.Type().String()
	}
}
