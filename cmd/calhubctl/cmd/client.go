package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

// apiClient returns an http.Client that connects over the Unix socket.
func apiClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// apiDo sends body as JSON and decodes the response into dest. Error
// responses are returned with the daemon's message.
func apiDo(method, path string, body, dest any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, "http://calhubd"+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient().Do(req)
	if err != nil {
		return fmt.Errorf("cannot connect to calhubd at %s: %w", socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e protocol.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return errors.New(e.Error)
		}
		return fmt.Errorf("calhubd returned HTTP %d", resp.StatusCode)
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func apiGet(path string, dest any) error { return apiDo(http.MethodGet, path, nil, dest) }

func apiPost(path string, body, dest any) error { return apiDo(http.MethodPost, path, body, dest) }

func apiPatch(path string, body, dest any) error { return apiDo(http.MethodPatch, path, body, dest) }

func apiDelete(path string) error { return apiDo(http.MethodDelete, path, nil, nil) }
