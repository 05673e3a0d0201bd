package core

import (
	"context"
	"net/http"
)

// Connection is an active connection tracked by the core.
type Connection struct {
	ID       string   `json:"id"`
	Upload   int64    `json:"upload"`
	Download int64    `json:"download"`
	Chains   []string `json:"chains"`
	Rule     string   `json:"rule"`
	Metadata struct {
		Network         string `json:"network"`
		Host            string `json:"host"`
		DestinationIP   string `json:"destinationIP"`
		DestinationPort string `json:"destinationPort"`
		Process         string `json:"process"`
	} `json:"metadata"`
}

// QueryConnections returns the active connections.
func (c *Client) QueryConnections(ctx context.Context) ([]Connection, error) {
	var resp struct {
		Connections []Connection `json:"connections"`
	}
	if err := c.do(ctx, http.MethodGet, "/connections", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Connections, nil
}

// CloseConnection closes one connection by id.
func (c *Client) CloseConnection(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/connections/"+escape(id), nil, nil, nil)
}

// CloseAllConnections closes every active connection.
func (c *Client) CloseAllConnections(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/connections", nil, nil, nil)
}
