package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"peapod/config"
	"peapod/core"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config file and device key if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := config.LoadOrCreate()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", cfg.DeviceID)
			fmt.Fprintf(out, "Fingerprint:     %s\n", cfg.KeyFingerprint)
			fmt.Fprintf(out, "Config File:     %s\n", path)
			fmt.Fprintf(out, "Data Directory:  %s\n", filepath.Dir(path))
			fmt.Fprintf(out, "Ports:           proxy %d, discovery %d, transport %d\n", cfg.ProxyPort, cfg.DiscoveryPort, cfg.TransportPort)
			return nil
		},
	}
}

func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the device identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadOrCreate()
			if err != nil {
				return err
			}
			kp, err := cfg.LoadKeypair()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:   %s\n", kp.DeviceID())
			fmt.Fprintf(out, "Public Key:  %s\n", kp.PublicKey())
			fmt.Fprintf(out, "Fingerprint: %s\n", cfg.KeyFingerprint)
			return nil
		},
	}
}

func beaconCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "beacon",
		Short: "Print the discovery beacon and handshake for this device as hex",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadOrCreate()
			if err != nil {
				return err
			}
			kp, err := cfg.LoadKeypair()
			if err != nil {
				return err
			}
			c, err := core.New(cfg.CoreOptions(kp, logger))
			if err != nil {
				return err
			}
			frame, err := c.BeaconFrame()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Beacon:    %x\n", frame)
			fmt.Fprintf(out, "Handshake: %x\n", c.HandshakeBytes())
			return nil
		},
	}
}
