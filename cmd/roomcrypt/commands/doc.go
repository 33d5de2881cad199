// Package commands defines the roomcrypt CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init         Create the device account and publish its keys
//   - fingerprint  Print the identity fingerprint
//   - keys publish Top up one-time keys on the homeserver
//   - sync         Run one sync and print what arrived
//   - listen       Sync continuously and print messages until interrupted
//   - send-room    Send a text message to a room
//   - send-device  Send a text message to one device
//   - join         Accept a room invitation
//   - leave        Leave a joined room
//
// # Configuration
//
// Settings are read from config.yaml in the home directory (see
// app.LoadConfig). A .env file next to it may set ROOMCRYPT_PASSPHRASE so
// the passphrase need not be given with -p.
//
// # Implementation
//
// The client is built on first use rather than in the root command, so init
// can check the passphrase before the key store is created with it.
package commands
