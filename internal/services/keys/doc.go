// Package keys publishes the local device's one-time keys and establishes
// 1:1 sessions with remote devices from their claimed keys.
//
// Publishing tops the account's pool up to half its capacity, minus what the
// server already holds. Claimed keys are accepted only when their signature
// verifies against the owning device's published signing key.
package keys
