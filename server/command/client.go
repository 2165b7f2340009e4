//go:build unix

package command

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tollgate-proxy/tollgate/server/proxy"
)

// Client is a blocking controller connection to a worker.
type Client struct {
	conn    *net.UnixConn
	dec     *Decoder
	maxSize int
	fds     []int

	// OnEvent receives events read while waiting for an answer.
	OnEvent func(proxy.Event)
	// OnProgress receives PROCESSING answers.
	OnProgress func(Response)
}

// Dial connects to a worker's control socket.
func Dial(path string, maxSize int) (*Client, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control socket %s: %w", path, err)
	}
	return NewClient(conn, maxSize), nil
}

func NewClient(conn *net.UnixConn, maxSize int) *Client {
	return &Client{conn: conn, dec: NewDecoder(maxSize), maxSize: maxSize}
}

// Send writes a request, attaching fds to its first byte.
func (c *Client) Send(req Request, fds ...int) error {
	if req.Version == 0 {
		req.Version = Version
	}
	frame, err := AppendFrame(nil, req, c.maxSize)
	if err != nil {
		return err
	}
	if len(fds) > 0 {
		n, _, err := c.conn.WriteMsgUnix(frame, unix.UnixRights(fds...), nil)
		if err != nil {
			return fmt.Errorf("failed to send request %s: %w", req.ID, err)
		}
		frame = frame[n:]
		if len(frame) == 0 {
			return nil
		}
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to send request %s: %w", req.ID, err)
	}
	return nil
}

// Receive reads the next response. Descriptors received on the way are kept
// for TakeFds.
func (c *Client) Receive() (Response, error) {
	buf := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(maxFdsPerMessage*4))
	for {
		body, err := c.dec.Next()
		if err != nil {
			return Response{}, err
		}
		if body != nil {
			var resp Response
			if err := json.Unmarshal(body, &resp); err != nil {
				return Response{}, fmt.Errorf("malformed response: %w", err)
			}
			return resp, nil
		}

		n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
		if oobn > 0 {
			c.collectFds(oob[:oobn])
		}
		if n > 0 {
			c.dec.Feed(buf[:n])
		}
		if err != nil {
			return Response{}, err
		}
		if n == 0 && oobn == 0 {
			return Response{}, net.ErrClosed
		}
	}
}

func (c *Client) collectFds(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err == nil {
			c.fds = append(c.fds, fds...)
		}
	}
}

// TakeFds returns and forgets the descriptors received so far.
func (c *Client) TakeFds() []int {
	fds := c.fds
	c.fds = nil
	return fds
}

// Call sends a request and waits for its final answer, passing events and
// PROCESSING answers to the callbacks.
func (c *Client) Call(req Request, fds ...int) (Response, error) {
	if err := c.Send(req, fds...); err != nil {
		return Response{}, err
	}
	for {
		resp, err := c.Receive()
		if err != nil {
			return Response{}, err
		}
		switch {
		case resp.IsEvent():
			if c.OnEvent != nil {
				c.OnEvent(*resp.Content.Event)
			}
		case resp.ID != req.ID:
			// an answer to an earlier request of someone else's
		case resp.Status == StatusProcessing:
			if c.OnProgress != nil {
				c.OnProgress(resp)
			}
		default:
			return resp, nil
		}
	}
}

func (c *Client) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// Close closes the connection and any descriptors never taken.
func (c *Client) Close() error {
	for _, fd := range c.TakeFds() {
		unix.Close(fd)
	}
	return c.conn.Close()
}
