// Package identity creates the local device account and presents its keys.
//
// It enforces the passphrase policy used to protect the store's pickle key
// and derives short fingerprints users can compare out of band.
package identity
