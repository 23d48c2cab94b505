// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"net"
	"time"

	"github.com/warden-os/warden/lib/codec"
	"github.com/warden-os/warden/lib/ipc"
)

// DefaultSocketPath is where the daemon listens in production.
const DefaultSocketPath = "/run/warden/warden.sock"

// Client talks to the daemon's control socket. One request per
// connection, matching the daemon's serving model.
type Client struct {
	// SocketPath is the daemon control socket.
	SocketPath string
}

// NewClient creates a client for the given socket, falling back to the
// default path when empty.
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{SocketPath: socketPath}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.Dial("unix", c.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w (is warden-daemon running?)", c.SocketPath, err)
	}
	return conn, nil
}

// Request performs one request/response cycle. A response with OK
// false is returned as an error carrying the daemon's message.
func (c *Client) Request(request ipc.Request) (*ipc.Response, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	var response ipc.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if !response.OK {
		return nil, fmt.Errorf("daemon: %s", response.Error)
	}
	return &response, nil
}

// Subscribe opens a notification stream and invokes handle for every
// notification until the stream ends or handle returns an error.
func (c *Client) Subscribe(handle func(ipc.Notification) error) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(ipc.Request{Action: ipc.ActionSubscribe}); err != nil {
		return fmt.Errorf("sending subscribe: %w", err)
	}

	decoder := codec.NewDecoder(conn)
	for {
		var notification ipc.Notification
		if err := decoder.Decode(&notification); err != nil {
			return fmt.Errorf("reading notification: %w", err)
		}
		if err := handle(notification); err != nil {
			return err
		}
	}
}
