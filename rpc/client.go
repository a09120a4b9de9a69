package rpc

import (
	"fmt"

	"github.com/valyala/gorpc"

	"github.com/janelia-flyem/hzvol/hzvol"
)

// Client sends block requests to a gorpc Server.
type Client struct {
	c  *gorpc.Client
	dc *gorpc.DispatcherClient
}

// NewClient connects to the server at addr with up to conns connections.
func NewClient(addr string, conns int) (*Client, error) {
	c := gorpc.NewTCPClient(addr)
	if conns > 0 {
		c.Conns = conns
	}
	c.Start()
	dc := newDispatcher(nil).NewFuncClient(c)
	if dc == nil {
		c.Stop()
		return nil, fmt.Errorf("can't create dispatcher client")
	}
	return &Client{c: c, dc: dc}, nil
}

// ReadBlocks sends a read request.
func (c *Client) ReadBlocks(req ReadRequest) (ReadReply, error) {
	resp, err := c.dc.Call(readBlocksFunc, &req)
	if err != nil {
		return ReadReply{}, fmt.Errorf("Block read rpc failed: %v: %w", err, hzvol.ErrIO)
	}
	reply, ok := resp.(*ReadReply)
	if !ok || reply == nil {
		return ReadReply{}, fmt.Errorf("remote server returned %T instead of block reply: %w", resp, hzvol.ErrIO)
	}
	return *reply, nil
}

// WriteBlock sends a write request.
func (c *Client) WriteBlock(req WriteRequest) error {
	if _, err := c.dc.Call(writeBlockFunc, &req); err != nil {
		return fmt.Errorf("Block write rpc failed: %v: %w", err, hzvol.ErrIO)
	}
	return nil
}

// Close stops the client.
func (c *Client) Close() error {
	c.c.Stop()
	return nil
}
