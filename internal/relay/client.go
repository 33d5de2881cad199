package relay

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"roomcrypt/internal/domain"
)

// Sync long-polls for the batch after since. An empty since requests the
// initial batch.
func (c *HTTP) Sync(ctx context.Context, since domain.Cursor, timeout time.Duration) (domain.SyncBatch, error) {
	query := url.Values{}
	if since != "" {
		query.Set("since", string(since))
	}
	query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))

	var resp syncResponse
	if err := c.getJSON(ctx, "/sync", query, &resp); err != nil {
		return domain.SyncBatch{}, fmt.Errorf("sync since %q: %w", since, err)
	}
	return resp.batch(), nil
}

// SendRoomEvent posts one timeline event under a fresh transaction id.
func (c *HTTP) SendRoomEvent(
	ctx context.Context,
	room domain.RoomID,
	eventType domain.EventType,
	content any,
) (domain.EventID, error) {
	path := fmt.Sprintf("/rooms/%s/send/%s/%s",
		escape(string(room)), escape(string(eventType)), escape(c.txnID()))

	var resp sendResponse
	if err := c.put(ctx, path, content, &resp); err != nil {
		return "", fmt.Errorf("send %s to %s: %w", eventType, room, err)
	}
	return resp.EventID, nil
}

// SendToDevice delivers per-device payloads of one event type.
func (c *HTTP) SendToDevice(
	ctx context.Context,
	eventType domain.EventType,
	messages map[domain.UserID]map[domain.DeviceID]any,
) error {
	path := fmt.Sprintf("/sendToDevice/%s/%s", escape(string(eventType)), escape(c.txnID()))
	if err := c.put(ctx, path, sendToDeviceRequest{Messages: messages}, nil); err != nil {
		return fmt.Errorf("send %s to devices: %w", eventType, err)
	}
	return nil
}

// UploadKeys publishes the device keys and signed one-time keys.
func (c *HTTP) UploadKeys(ctx context.Context, upload domain.KeysUpload) (int, error) {
	req := keysUploadRequest{
		DeviceKeys:  newDeviceKeys(upload.Device),
		OneTimeKeys: make(map[string]signedKey, len(upload.OneTimeKeys)),
	}
	for _, k := range upload.OneTimeKeys {
		req.OneTimeKeys[signedCurve25519+":"+string(k.KeyID)] = signedKey{
			Key: k.Key,
			Signatures: signatures{
				upload.Device.UserID: {signatureName(upload.Device.DeviceID): encodeSignature(k.Signature)},
			},
		}
	}

	var resp keysUploadResponse
	if err := c.post(ctx, "/keys/upload", req, &resp); err != nil {
		return 0, fmt.Errorf("upload keys: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"function":  "UploadKeys",
		"uploaded":  len(upload.OneTimeKeys),
		"available": resp.OneTimeKeyCounts[signedCurve25519],
	}).Info("One-time keys uploaded")
	return resp.OneTimeKeyCounts[signedCurve25519], nil
}

// QueryKeys returns every published device of users, sorted by user then
// device. Devices with incomplete keys are skipped.
func (c *HTTP) QueryKeys(ctx context.Context, users []domain.UserID) ([]domain.DeviceInfo, error) {
	req := keysQueryRequest{DeviceKeys: make(map[domain.UserID][]domain.DeviceID, len(users))}
	for _, u := range users {
		req.DeviceKeys[u] = []domain.DeviceID{}
	}

	var resp keysQueryResponse
	if err := c.post(ctx, "/keys/query", req, &resp); err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}

	var out []domain.DeviceInfo
	for _, devices := range resp.DeviceKeys {
		for _, d := range devices {
			info, err := d.info()
			if err != nil {
				c.log.WithFields(logrus.Fields{
					"function": "QueryKeys",
					"error":    err.Error(),
				}).Warn("Skipping device")
				continue
			}
			out = append(out, info)
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

// ClaimKeys claims one signed one-time key per device. Devices that have
// none left are absent from the result.
func (c *HTTP) ClaimKeys(
	ctx context.Context,
	devices map[domain.UserID][]domain.DeviceID,
) ([]domain.ClaimedKey, error) {
	req := keysClaimRequest{OneTimeKeys: make(map[domain.UserID]map[domain.DeviceID]string, len(devices))}
	for user, ids := range devices {
		req.OneTimeKeys[user] = make(map[domain.DeviceID]string, len(ids))
		for _, id := range ids {
			req.OneTimeKeys[user][id] = signedCurve25519
		}
	}

	var resp keysClaimResponse
	if err := c.post(ctx, "/keys/claim", req, &resp); err != nil {
		return nil, fmt.Errorf("claim keys: %w", err)
	}
	out, err := resp.claimedKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: claim keys: %w", domain.ErrTransport, err)
	}
	return out, nil
}

// JoinRoom joins room or accepts a pending invitation to it.
func (c *HTTP) JoinRoom(ctx context.Context, room domain.RoomID) error {
	if err := c.post(ctx, "/join/"+escape(string(room)), struct{}{}, nil); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	return nil
}

// LeaveRoom leaves room or rejects an invitation to it.
func (c *HTTP) LeaveRoom(ctx context.Context, room domain.RoomID) error {
	if err := c.post(ctx, "/rooms/"+escape(string(room))+"/leave", struct{}{}, nil); err != nil {
		return fmt.Errorf("leave %s: %w", room, err)
	}
	return nil
}
