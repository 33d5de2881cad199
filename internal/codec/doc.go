// Package codec is the deterministic CBOR encoding used for everything the
// client persists or seals: store records, engine pickles and 1:1/group wire
// messages. Same logical value always produces identical bytes.
package codec
