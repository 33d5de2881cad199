package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/services/session"
)

// ErrUnknownDevice is returned by SendToDevice when the user has not
// published the named device.
var ErrUnknownDevice = errors.New("unknown device")

// ErrRequestDenied is returned by AnswerRoomKeyRequest when the requester
// may not have the key.
var ErrRequestDenied = errors.New("room key request denied")

// SessionEnsurer establishes missing 1:1 sessions. keys.Service satisfies it.
type SessionEnsurer interface {
	EnsureSessions(ctx context.Context, users []domain.UserID) (int, error)
}

// RoomKeyExporter exports a known inbound group session for forwarding.
// session.Manager satisfies it.
type RoomKeyExporter interface {
	ExportRoomKey(
		ctx context.Context,
		room domain.RoomID,
		sessionID domain.SessionID,
		index uint32,
	) (domain.ForwardedRoomKeyContent, error)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger replaces the default component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Service) { s.log = l }
}

// WithSessionEnsurer makes the service create missing 1:1 sessions before
// sending to devices.
func WithSessionEnsurer(e SessionEnsurer) Option {
	return func(s *Service) { s.ensurer = e }
}

// WithRoomKeyExporter lets the service answer room key requests.
func WithRoomKeyExporter(x RoomKeyExporter) Option {
	return func(s *Service) { s.exporter = x }
}

// Service sends encrypted events.
type Service struct {
	user     domain.UserID
	device   domain.DeviceID
	sessions domain.SessionManager
	rooms    domain.RoomDirectory
	sender   domain.EventSender
	keys     domain.KeyServer
	ensurer  SessionEnsurer
	exporter RoomKeyExporter
	log      *logrus.Entry
}

// New returns a message service sending as device of user.
func New(
	user domain.UserID,
	device domain.DeviceID,
	sessions domain.SessionManager,
	rooms domain.RoomDirectory,
	sender domain.EventSender,
	keys domain.KeyServer,
	opts ...Option,
) *Service {
	s := &Service{
		user:     user,
		device:   device,
		sessions: sessions,
		rooms:    rooms,
		sender:   sender,
		keys:     keys,
		log:      logrus.WithField("component", "message"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendToRoom posts a text message. In an encrypted room it is sent as
// m.room.encrypted under the room's outbound group session.
func (s *Service) SendToRoom(ctx context.Context, room domain.RoomID, text string) (domain.EventID, error) {
	state, ok := s.rooms.RoomState(room)
	if !ok {
		return "", fmt.Errorf("%w: %s", session.ErrUnknownRoom, room)
	}
	content := domain.MessageContent{MsgType: "m.text", Body: text}
	if !state.Encrypted() {
		return s.sender.SendRoomEvent(ctx, room, domain.EventRoomMessage, content)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(domain.MegolmPayload{
		Type:    domain.EventRoomMessage,
		Content: raw,
		RoomID:  room,
	})
	if err != nil {
		return "", err
	}
	ct, err := s.sessions.EncryptForRoom(ctx, room, plaintext)
	if err != nil {
		return "", err
	}
	own, _, err := s.sessions.IdentityKeys()
	if err != nil {
		return "", err
	}
	return s.sender.SendRoomEvent(ctx, room, domain.EventRoomEncrypted, domain.MegolmEncryptedContent{
		Algorithm:  domain.AlgorithmMegolm,
		SenderKey:  own,
		DeviceID:   s.device,
		SessionID:  ct.SessionID,
		Ciphertext: ct.Body,
	})
}

// SendToDevice sends a text message to one device of user over a 1:1
// session, creating the session first when an ensurer is configured.
func (s *Service) SendToDevice(ctx context.Context, user domain.UserID, device domain.DeviceID, text string) error {
	if s.ensurer != nil {
		if _, err := s.ensurer.EnsureSessions(ctx, []domain.UserID{user}); err != nil {
			return err
		}
	}
	devices, err := s.keys.QueryKeys(ctx, []domain.UserID{user})
	if err != nil {
		return err
	}
	var target []domain.DeviceInfo
	for _, d := range devices {
		if d.UserID == user && d.DeviceID == device {
			target = append(target, d)
		}
	}
	if len(target) == 0 {
		return fmt.Errorf("%w: %s/%s", ErrUnknownDevice, user, device)
	}

	sent, err := s.sendOlm(ctx, domain.EventRoomMessage, domain.MessageContent{MsgType: "m.text", Body: text}, target)
	if err != nil {
		return err
	}
	if sent == 0 {
		return fmt.Errorf("%w: %s/%s", domain.ErrNoSessionAvailable, user, device)
	}
	return nil
}

// DistributeRoomKey sends key as m.room_key to every device of recipients
// except this one. Devices without a usable session are logged and
// skipped; they can request the key later.
func (s *Service) DistributeRoomKey(
	ctx context.Context,
	room domain.RoomID,
	key domain.RoomKeyContent,
	recipients []domain.UserID,
) error {
	if s.ensurer != nil {
		if _, err := s.ensurer.EnsureSessions(ctx, recipients); err != nil {
			return err
		}
	}
	devices, err := s.keys.QueryKeys(ctx, recipients)
	if err != nil {
		return err
	}
	sent, err := s.sendOlm(ctx, domain.EventRoomKey, key, devices)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"function":   "DistributeRoomKey",
		"room_id":    room,
		"session_id": key.SessionID,
		"recipients": len(recipients),
		"devices":    sent,
	}).Info("Room key distributed")
	return nil
}

// RequestRoomKey asks the other devices of room's recipients for the
// inbound group session sessionID created by senderKey. It returns how many
// devices the request reached.
func (s *Service) RequestRoomKey(
	ctx context.Context,
	room domain.RoomID,
	sessionID domain.SessionID,
	senderKey domain.Curve25519Key,
) (int, error) {
	state, ok := s.rooms.RoomState(room)
	if !ok {
		return 0, fmt.Errorf("%w: %s", session.ErrUnknownRoom, room)
	}
	recipients := state.Recipients()
	if s.ensurer != nil {
		if _, err := s.ensurer.EnsureSessions(ctx, recipients); err != nil {
			return 0, err
		}
	}
	devices, err := s.keys.QueryKeys(ctx, recipients)
	if err != nil {
		return 0, err
	}
	req := domain.RoomKeyRequestContent{
		Action: domain.KeyRequestActionRequest,
		Body: &domain.RoomKeyRequestBody{
			Algorithm: domain.AlgorithmMegolm,
			RoomID:    room,
			SenderKey: senderKey,
			SessionID: sessionID,
		},
		RequestingDeviceID: s.device,
		RequestID:          uuid.NewString(),
	}
	sent, err := s.sendOlm(ctx, domain.EventRoomKeyRequest, req, devices)
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{
		"function":   "RequestRoomKey",
		"room_id":    room,
		"session_id": sessionID,
		"request_id": req.RequestID,
		"devices":    sent,
	}).Info("Room key requested")
	return sent, nil
}

// AnswerRoomKeyRequest forwards the requested session to the device that
// asked for it. requesterKey is the identity key the request arrived from
// over olm. The requester must be a current recipient of the room's keys.
// Cancellations need no reply and are ignored.
func (s *Service) AnswerRoomKeyRequest(
	ctx context.Context,
	requester domain.UserID,
	requesterKey domain.Curve25519Key,
	req domain.RoomKeyRequestContent,
) error {
	if req.Action != domain.KeyRequestActionRequest {
		return nil
	}
	if s.exporter == nil {
		return fmt.Errorf("%w: no key exporter", ErrRequestDenied)
	}
	body := req.Body
	if body == nil || body.Algorithm != domain.AlgorithmMegolm {
		return fmt.Errorf("%w: unsupported request", ErrRequestDenied)
	}
	state, ok := s.rooms.RoomState(body.RoomID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrUnknownRoom, body.RoomID)
	}
	if !slices.Contains(state.Recipients(), requester) {
		return fmt.Errorf("%w: %s is not a member of %s", ErrRequestDenied, requester, body.RoomID)
	}

	fwd, err := s.exporter.ExportRoomKey(ctx, body.RoomID, body.SessionID, 0)
	if err != nil {
		return err
	}
	if body.SenderKey != "" && body.SenderKey != fwd.SenderKey {
		return fmt.Errorf("%w: session %s was not created by %s", ErrRequestDenied, body.SessionID, body.SenderKey)
	}

	devices, err := s.keys.QueryKeys(ctx, []domain.UserID{requester})
	if err != nil {
		return err
	}
	i := slices.IndexFunc(devices, func(d domain.DeviceInfo) bool {
		return d.UserID == requester && d.DeviceID == req.RequestingDeviceID && d.IdentityKey == requesterKey
	})
	if i < 0 {
		return fmt.Errorf("%w: %s/%s", ErrUnknownDevice, requester, req.RequestingDeviceID)
	}

	sent, err := s.sendOlm(ctx, domain.EventForwardedRoomKey, fwd, devices[i:i+1])
	if err != nil {
		return err
	}
	if sent == 0 {
		return fmt.Errorf("%w: %s/%s", domain.ErrNoSessionAvailable, requester, req.RequestingDeviceID)
	}
	s.log.WithFields(logrus.Fields{
		"function":   "AnswerRoomKeyRequest",
		"room_id":    body.RoomID,
		"session_id": body.SessionID,
		"request_id": req.RequestID,
		"user_id":    requester,
		"device_id":  req.RequestingDeviceID,
	}).Info("Room key forwarded")
	return nil
}

// sendOlm encrypts one event per device and posts them in a single
// to-device request. It returns how many devices were addressed.
func (s *Service) sendOlm(
	ctx context.Context,
	eventType domain.EventType,
	content any,
	devices []domain.DeviceInfo,
) (int, error) {
	own, _, err := s.sessions.IdentityKeys()
	if err != nil {
		return 0, err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return 0, err
	}

	messages := make(map[domain.UserID]map[domain.DeviceID]any)
	sent := 0
	for _, d := range devices {
		if d.IdentityKey == own {
			continue
		}
		plaintext, err := json.Marshal(domain.OlmPayload{
			Type:      eventType,
			Content:   raw,
			Sender:    s.user,
			Recipient: d.UserID,
		})
		if err != nil {
			return 0, err
		}
		ct, err := s.sessions.EncryptForDevice(ctx, d.IdentityKey, plaintext)
		if errors.Is(err, domain.ErrNoSessionAvailable) || errors.Is(err, domain.ErrCryptoEngineFailure) {
			s.log.WithFields(logrus.Fields{
				"function":  "sendOlm",
				"type":      eventType,
				"user_id":   d.UserID,
				"device_id": d.DeviceID,
				"error":     err.Error(),
			}).Warn("Skipping device")
			continue
		}
		if err != nil {
			return 0, err
		}
		if messages[d.UserID] == nil {
			messages[d.UserID] = make(map[domain.DeviceID]any)
		}
		messages[d.UserID][d.DeviceID] = domain.OlmEncryptedContent{
			Algorithm:  domain.AlgorithmOlm,
			SenderKey:  own,
			Ciphertext: map[domain.Curve25519Key]domain.OlmCiphertext{d.IdentityKey: ct},
		}
		sent++
	}
	if sent == 0 {
		return 0, nil
	}
	if err := s.sender.SendToDevice(ctx, domain.EventRoomEncrypted, messages); err != nil {
		return 0, err
	}
	return sent, nil
}

var _ domain.KeyDistributor = (*Service)(nil)
