package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const postTimeout = 5 * time.Second

func newHTTPClient() *http.Client { return &http.Client{Timeout: postTimeout} }

// postJSON marshals v and POSTs it to url. sign, when non-nil, receives the
// encoded body and may add headers.
func postJSON(ctx context.Context, client *http.Client, channel, url string, v any, sign func(h http.Header, body []byte)) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: encoding payload: %w", channel, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: building request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sign != nil {
		sign(req.Header, body)
	}
	resp, err := client.Do(req) // #nosec G107 -- URL comes from operator config
	if err != nil {
		return fmt.Errorf("%s: %w", channel, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: endpoint returned %s", channel, resp.Status)
	}
	return nil
}
