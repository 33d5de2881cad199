package relay

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"roomcrypt/internal/domain"
)

const signedCurve25519 = "signed_curve25519"

type eventList struct {
	Events []domain.Event `json:"events"`
}

type joinedRoom struct {
	State     eventList `json:"state"`
	Timeline  eventList `json:"timeline"`
	Ephemeral eventList `json:"ephemeral"`
}

type invitedRoom struct {
	InviteState eventList `json:"invite_state"`
}

type syncResponse struct {
	NextBatch domain.Cursor `json:"next_batch"`
	Rooms     struct {
		Join   map[domain.RoomID]joinedRoom  `json:"join"`
		Invite map[domain.RoomID]invitedRoom `json:"invite"`
		Leave  map[domain.RoomID]joinedRoom  `json:"leave"`
	} `json:"rooms"`
	ToDevice eventList `json:"to_device"`
}

// batch flattens the response. Rooms come out sorted by id; events keep
// server order within each room.
func (r syncResponse) batch() domain.SyncBatch {
	out := domain.SyncBatch{Cursor: r.NextBatch, ToDevice: r.ToDevice.Events}
	for id, room := range r.Rooms.Join {
		out.Rooms = append(out.Rooms, room.batch(id, domain.MembershipJoined))
	}
	for id, room := range r.Rooms.Invite {
		out.Rooms = append(out.Rooms, domain.RoomBatch{
			RoomID:     id,
			Membership: domain.MembershipInvited,
			State:      room.InviteState.Events,
		})
	}
	for id, room := range r.Rooms.Leave {
		out.Rooms = append(out.Rooms, room.batch(id, domain.MembershipLeft))
	}
	sort.SliceStable(out.Rooms, func(i, j int) bool {
		return out.Rooms[i].RoomID < out.Rooms[j].RoomID
	})
	return out
}

func (r joinedRoom) batch(id domain.RoomID, m domain.Membership) domain.RoomBatch {
	return domain.RoomBatch{
		RoomID:     id,
		Membership: m,
		State:      r.State.Events,
		Timeline:   r.Timeline.Events,
		Ephemeral:  r.Ephemeral.Events,
	}
}

// signatures maps user id to "ed25519:<device>" to an unpadded base64
// signature.
type signatures map[domain.UserID]map[string]string

type signedKey struct {
	Key        domain.Curve25519Key `json:"key"`
	Signatures signatures           `json:"signatures,omitempty"`
}

type deviceKeys struct {
	UserID     domain.UserID     `json:"user_id"`
	DeviceID   domain.DeviceID   `json:"device_id"`
	Algorithms []string          `json:"algorithms"`
	Keys       map[string]string `json:"keys"`
}

func newDeviceKeys(d domain.DeviceInfo) deviceKeys {
	return deviceKeys{
		UserID:     d.UserID,
		DeviceID:   d.DeviceID,
		Algorithms: []string{domain.AlgorithmOlm, domain.AlgorithmMegolm},
		Keys: map[string]string{
			"curve25519:" + string(d.DeviceID): string(d.IdentityKey),
			"ed25519:" + string(d.DeviceID):    string(d.SigningKey),
		},
	}
}

func (d deviceKeys) info() (domain.DeviceInfo, error) {
	info := domain.DeviceInfo{
		UserID:      d.UserID,
		DeviceID:    d.DeviceID,
		IdentityKey: domain.Curve25519Key(d.Keys["curve25519:"+string(d.DeviceID)]),
		SigningKey:  domain.Ed25519Key(d.Keys["ed25519:"+string(d.DeviceID)]),
	}
	if info.IdentityKey == "" || info.SigningKey == "" {
		return info, fmt.Errorf("device %s/%s publishes incomplete keys", d.UserID, d.DeviceID)
	}
	return info, nil
}

type keysUploadRequest struct {
	DeviceKeys  deviceKeys           `json:"device_keys"`
	OneTimeKeys map[string]signedKey `json:"one_time_keys,omitempty"`
}

type keysUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

type keysQueryRequest struct {
	DeviceKeys map[domain.UserID][]domain.DeviceID `json:"device_keys"`
}

type keysQueryResponse struct {
	DeviceKeys map[domain.UserID]map[domain.DeviceID]deviceKeys `json:"device_keys"`
}

type keysClaimRequest struct {
	OneTimeKeys map[domain.UserID]map[domain.DeviceID]string `json:"one_time_keys"`
}

type keysClaimResponse struct {
	OneTimeKeys map[domain.UserID]map[domain.DeviceID]map[string]signedKey `json:"one_time_keys"`
}

type sendToDeviceRequest struct {
	Messages map[domain.UserID]map[domain.DeviceID]any `json:"messages"`
}

type sendResponse struct {
	EventID domain.EventID `json:"event_id"`
}

func signatureName(device domain.DeviceID) string { return "ed25519:" + string(device) }

func encodeSignature(sig []byte) string { return base64.RawStdEncoding.EncodeToString(sig) }

func decodeSignature(s string) ([]byte, error) {
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return base64.StdEncoding.DecodeString(s)
	}
	return b, nil
}

// claimedKeys flattens a claim response, sorted by user then device.
func (r keysClaimResponse) claimedKeys() ([]domain.ClaimedKey, error) {
	var out []domain.ClaimedKey
	for user, devices := range r.OneTimeKeys {
		for device, keys := range devices {
			for name, k := range keys {
				algorithm, id, ok := strings.Cut(name, ":")
				if !ok || algorithm != signedCurve25519 {
					continue
				}
				sig, err := decodeSignature(k.Signatures[user][signatureName(device)])
				if err != nil {
					return nil, fmt.Errorf("claimed key %s for %s/%s: %w", id, user, device, err)
				}
				out = append(out, domain.ClaimedKey{
					UserID:     user,
					DeviceID:   device,
					OneTimeKey: domain.OneTimeKey{KeyID: domain.KeyID(id), Key: k.Key, Signature: sig},
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out, nil
}
