// Package syncer drives the sync loop: one long-poll request at a time,
// decryption of the returned batch, application through the dispatcher and,
// only then, advancing the cursor.
//
// A failed request leaves the cursor untouched and is retried with
// exponential backoff by the background loop. A batch whose decryption hits
// a persistence error is abandoned before anything is dispatched, so the
// same batch is fetched again.
package syncer
