package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cwrk-planet/room-hub/pkg/protocol"
)

// ResolveCode looks up the open room with the given join code through the
// HTTP API at baseURL and returns its id.
func ResolveCode(ctx context.Context, client *http.Client, baseURL, code string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimRight(baseURL, "/") + "/rooms?code=" + url.QueryEscape(code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return "", fmt.Errorf("resolve code %q: %w", code, &protocol.RemoteError{Code: e.Code, Message: e.Error})
	}

	var body struct {
		Room struct {
			ID string `json:"id"`
		} `json:"room"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("resolve code: decode: %w", err)
	}
	if body.Room.ID == "" {
		return "", fmt.Errorf("resolve code %q: empty room id", code)
	}
	return body.Room.ID, nil
}
