// Package commands defines the peapod CLI.
//
// Commands
//
//   - init      Create the data directory, config file and device key
//   - id        Print the device id, public key and fingerprint
//   - beacon    Print the discovery beacon frame as hex
//   - decode    Decode a hex frame or handshake
//   - simulate  Run an accelerated transfer across an in-memory pod
//
// The root command resolves the config and builds the zap logger before any
// subcommand runs. Nothing here opens a socket; the commands drive the core
// with in-process events only.
package commands
