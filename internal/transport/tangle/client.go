package tangle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"streams/internal/model"
)

// errNotFound distinguishes a missing blob from a real transport failure
// so GetMany can treat it as an unfetched speculative candidate rather
// than aborting the whole batch.
var errNotFound = errors.New("blob not found")

// Client is a ports.Transport that talks to a Server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient wraps a running tangle Server at baseURL (e.g.
// "http://localhost:9090").
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

func (c *Client) Put(ctx context.Context, index [32]byte, blob []byte) error {
	body, err := json.Marshal(putRequest{Blob: blob})
	if err != nil {
		return fmt.Errorf("%w: marshal put: %v", model.ErrTransport, err)
	}
	url := fmt.Sprintf("%s/blob/%s", c.baseURL, hex.EncodeToString(index[:]))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", model.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: put status %d", model.ErrTransport, resp.StatusCode)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, index [32]byte) ([]byte, error) {
	url := fmt.Sprintf("%s/blob/%s", c.baseURL, hex.EncodeToString(index[:]))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", model.ErrTransport, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: no blob at index %x", errNotFound, index)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: get status %d", model.ErrTransport, resp.StatusCode)
	}
	var out putRequest
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", model.ErrTransport, err)
	}
	return out.Blob, nil
}

// GetMany returns a nil slot for any index with no stored blob, rather
// than failing the whole batch: sync's candidate addresses are mostly
// speculative, and a missing candidate isn't a transport error.
func (c *Client) GetMany(ctx context.Context, indices [][32]byte) ([][]byte, error) {
	out := make([][]byte, len(indices))
	for i, idx := range indices {
		b, err := c.Get(ctx, idx)
		if err != nil {
			if errors.Is(err, errNotFound) {
				continue
			}
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
