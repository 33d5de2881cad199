package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"roomcrypt/internal/domain"
)

// errMalformed marks encrypted events whose envelope could not be read.
var errMalformed = errors.New("malformed encrypted event")

// decryptFailures are the errors that make one event undecryptable without
// affecting the rest of the batch. Anything else aborts the batch.
var decryptFailures = []error{
	errMalformed,
	domain.ErrNotInitialized,
	domain.ErrNoMatchingSession,
	domain.ErrNoSessionAvailable,
	domain.ErrUnknownGroupSession,
	domain.ErrReplayDetected,
	domain.ErrCryptoEngineFailure,
	domain.ErrSessionPoisoned,
	domain.ErrBadMessage,
	domain.ErrRoomKeyMismatch,
}

func isDecryptFailure(err error) bool {
	for _, target := range decryptFailures {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// apply decrypts the whole batch first and only then dispatches, so a
// persistence error leaves listeners untouched.
func (e *Engine) apply(ctx context.Context, batch domain.SyncBatch) error {
	toDevice := make([]domain.Event, 0, len(batch.ToDevice))
	for _, ev := range batch.ToDevice {
		out, err := e.decryptToDevice(ctx, ev)
		if err != nil {
			return err
		}
		toDevice = append(toDevice, out)
	}

	rooms := make([]domain.RoomBatch, 0, len(batch.Rooms))
	for _, rb := range batch.Rooms {
		timeline := make([]domain.Event, 0, len(rb.Timeline))
		for _, ev := range rb.Timeline {
			if ev.RoomID == "" {
				ev.RoomID = rb.RoomID
			}
			out, err := e.decryptRoomEvent(ctx, ev)
			if err != nil {
				return fmt.Errorf("room %s: %w", rb.RoomID, err)
			}
			timeline = append(timeline, out)
		}
		rb.Timeline = timeline
		rooms = append(rooms, rb)
	}

	e.applier.ApplyToDevice(ctx, toDevice)
	for _, rb := range rooms {
		e.applier.ApplyRoom(ctx, rb)
	}
	return nil
}

// decryptToDevice opens an olm-encrypted to-device event and feeds room
// keys to the session manager. Room keys sent in the clear are ignored.
func (e *Engine) decryptToDevice(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if ev.Type != domain.EventRoomEncrypted {
		return ev, nil
	}
	key := openedKeyOf(ev)
	out, ok := e.opened[key]
	if !ok {
		var err error
		if out, err = e.openOlm(ctx, ev); err != nil {
			return e.undecryptable(ev, err)
		}
		e.opened[key] = out
	}
	d := *out.Decryption
	out.Decryption = &d

	var err error
	switch out.Type {
	case domain.EventRoomKey:
		var c domain.RoomKeyContent
		if err := out.ParseContent(&c); err != nil {
			return e.undecryptable(ev, fmt.Errorf("%w: %v", errMalformed, err))
		}
		err = e.sessions.ReceiveRoomKey(ctx, out.Decryption.SenderKey, c)
	case domain.EventForwardedRoomKey:
		var c domain.ForwardedRoomKeyContent
		if err := out.ParseContent(&c); err != nil {
			return e.undecryptable(ev, fmt.Errorf("%w: %v", errMalformed, err))
		}
		err = e.sessions.ReceiveForwardedRoomKey(ctx, out.Decryption.SenderKey, c)
	}
	if err != nil {
		if !isDecryptFailure(err) {
			return domain.Event{}, err
		}
		out.Decryption.Err = err
		e.logFailure(out, err)
	}
	return out, nil
}

// openedKey identifies one to-device envelope across redeliveries.
type openedKey [32]byte

func openedKeyOf(ev domain.Event) openedKey {
	h := blake3.New()
	_, _ = h.Write([]byte(ev.Sender))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(ev.Content)
	var k openedKey
	copy(k[:], h.Sum(nil))
	return k
}

func (e *Engine) openOlm(ctx context.Context, ev domain.Event) (domain.Event, error) {
	var c domain.OlmEncryptedContent
	if err := ev.ParseContent(&c); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if c.Algorithm != domain.AlgorithmOlm {
		return domain.Event{}, fmt.Errorf("%w: algorithm %q", errMalformed, c.Algorithm)
	}
	own, _, err := e.sessions.IdentityKeys()
	if err != nil {
		return domain.Event{}, err
	}
	ct, ok := c.Ciphertext[own]
	if !ok {
		return domain.Event{}, fmt.Errorf("%w: no ciphertext for this device", domain.ErrNoMatchingSession)
	}

	pt, err := e.sessions.DecryptFromDevice(ctx, c.SenderKey, ct)
	if err != nil {
		return domain.Event{}, err
	}
	var payload domain.OlmPayload
	if err := json.Unmarshal(pt, &payload); err != nil {
		return domain.Event{}, fmt.Errorf("%w: payload: %v", errMalformed, err)
	}
	if payload.Sender != ev.Sender {
		return domain.Event{}, fmt.Errorf("%w: payload claims sender %s, event is from %s", errMalformed, payload.Sender, ev.Sender)
	}

	out := ev
	out.Type = payload.Type
	out.Content = payload.Content
	out.Decryption = &domain.Decryption{Algorithm: c.Algorithm, SenderKey: c.SenderKey}
	return out, nil
}

// decryptRoomEvent opens a group-encrypted timeline event. Failures leave
// the event in its encrypted form with the reason attached.
func (e *Engine) decryptRoomEvent(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if ev.Type != domain.EventRoomEncrypted {
		return ev, nil
	}
	var c domain.MegolmEncryptedContent
	if err := ev.ParseContent(&c); err != nil {
		return e.undecryptable(ev, fmt.Errorf("%w: %v", errMalformed, err))
	}
	if c.Algorithm != domain.AlgorithmMegolm {
		return e.undecryptable(ev, fmt.Errorf("%w: algorithm %q", errMalformed, c.Algorithm))
	}

	pt, err := e.sessions.DecryptGroupMessage(ctx, ev.RoomID, c.SessionID, c.Ciphertext)
	if err != nil {
		out, abort := e.undecryptable(ev, err)
		if abort != nil {
			return out, abort
		}
		out.Decryption.Algorithm = c.Algorithm
		out.Decryption.SessionID = c.SessionID
		out.Decryption.SenderKey = c.SenderKey
		return out, nil
	}
	var payload domain.MegolmPayload
	if err := json.Unmarshal(pt, &payload); err != nil {
		return e.undecryptable(ev, fmt.Errorf("%w: payload: %v", errMalformed, err))
	}
	if payload.RoomID != ev.RoomID {
		return e.undecryptable(ev, fmt.Errorf("%w: payload for room %s", errMalformed, payload.RoomID))
	}

	out := ev
	out.Type = payload.Type
	out.Content = payload.Content
	out.Decryption = &domain.Decryption{
		Algorithm: c.Algorithm,
		SessionID: c.SessionID,
		SenderKey: c.SenderKey,
	}
	return out, nil
}

// undecryptable tags ev with err, or returns err itself when it is not a
// per-event failure.
func (e *Engine) undecryptable(ev domain.Event, err error) (domain.Event, error) {
	if !isDecryptFailure(err) {
		return ev, err
	}
	ev.Decryption = &domain.Decryption{Err: err}
	e.logFailure(ev, err)
	return ev, nil
}

func (e *Engine) logFailure(ev domain.Event, err error) {
	e.log.WithFields(logrus.Fields{
		"function": "apply",
		"event_id": ev.ID,
		"room_id":  ev.RoomID,
		"sender":   ev.Sender,
		"error":    err.Error(),
	}).Warn("Event could not be decrypted")
}
