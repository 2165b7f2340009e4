//go:build !linux

package command

import "errors"

var (
	ErrWouldBlock  = errors.New("control channel would block")
	errUnsupported = errors.New("control channel is not supported on this platform")
)

type Channel struct{}

func NewChannel(fd int, maxSize int) (*Channel, error) { return nil, errUnsupported }

func (c *Channel) Fd() int                                    { return -1 }
func (c *Channel) Receive() ([]Request, error)                { return nil, errUnsupported }
func (c *Channel) TakeFd() (int, bool)                        { return -1, false }
func (c *Channel) PendingFds() int                            { return 0 }
func (c *Channel) Send(resp Response) error                   { return errUnsupported }
func (c *Channel) SendWithFds(resp Response, fds []int) error { return errUnsupported }
func (c *Channel) WantsWrite() bool                           { return false }
func (c *Channel) Flush() error                               { return errUnsupported }
func (c *Channel) Close() error                               { return nil }

func ListenUnix(path string) (int, error) { return -1, errUnsupported }

func AcceptUnix(listenFd int) (int, error) { return -1, errUnsupported }
