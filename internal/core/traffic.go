package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// TrafficSample is one per-second reading from the traffic stream, in bytes.
type TrafficSample struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

// StreamTraffic reads the traffic stream and calls fn for every sample
// until ctx is done or the stream ends. Cancellation returns nil.
func (c *Client) StreamTraffic(ctx context.Context, fn func(TrafficSample)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/traffic", nil, nil)
	if err != nil {
		return err
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return transportError(ctx, http.MethodGet, "/traffic", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var sample TrafficSample
		if err := dec.Decode(&sample); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read traffic stream: %w", err)
		}
		fn(sample)
	}
}
