package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// FCMDispatcher posts JSON to FCM HTTPv1 endpoint using server key or oauth token.
// Devices subscribe to the topic "user-<id>".
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Notify(ctx context.Context, userID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	// FCM data values must be strings
	body := map[string]any{"message": map[string]any{
		"topic": "user-" + userID,
		"data":  map[string]string{"event": event, "payload": string(data)},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return post(ctx, f.Client, f.Endpoint, f.Key, b)
}
