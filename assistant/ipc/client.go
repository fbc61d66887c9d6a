package ipc

import (
	"bufio"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Client is the control CLI's side of the socket: one request, one
// response, one connection.
type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(path string) *Client {
	if path == "" {
		path = DefaultSocketPath
	}
	return &Client{path: path, timeout: 30 * time.Second}
}

// Do sends one request and waits for the reply.
func (c *Client) Do(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return Response{}, errors.Wrap(err, "daemon not reachable")
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, errors.Wrap(err, "encode request")
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return Response{}, errors.Wrap(err, "send request")
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Response{}, errors.Wrap(err, "read response")
		}
		return Response{}, errors.New("connection closed without response")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return Response{}, errors.Wrap(err, "decode response")
	}
	return resp, nil
}
