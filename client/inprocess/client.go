// Package inprocess runs an objq server inside the current process on a
// private unix socket and hands back a client bound to it.
package inprocess

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/objq"
	objqclient "pkt.systems/objq/client"
)

// Client provides the objq client API backed by an in-process server instance.
type Client struct {
	inner     *objqclient.Client
	stop      func(context.Context) error
	cleanup   func()
	closeOnce sync.Once
	closeErr  error
}

// New starts an in-process objq server and returns a client connected to it.
// The returned client should be closed when no longer needed to release
// resources.
// Example:
//
//	ctx := context.Background()
//	cfg := objq.Config{Store: "disk:///var/lib/objq"}
//	inproc, err := inprocess.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inproc.Close(ctx)
func New(ctx context.Context, cfg objq.Config, opts ...objq.Option) (*Client, error) {
	if cfg.ListenProto == "" {
		cfg.ListenProto = "unix"
	}
	if cfg.ListenProto != "unix" {
		return nil, fmt.Errorf("inprocess: only unix sockets are supported; set ListenProto to 'unix'")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	socketDir, err := os.MkdirTemp("", "objq-inproc-")
	if err != nil {
		return nil, err
	}
	cleanup := func() { _ = os.RemoveAll(socketDir) }

	if cfg.Listen == "" {
		cfg.Listen = filepath.Join(socketDir, "objq.sock")
	}

	_, stop, err := objq.StartServer(ctx, cfg, opts...)
	if err != nil {
		cleanup()
		return nil, err
	}

	cli, err := objqclient.New("unix://" + cfg.Listen)
	if err != nil {
		_ = stop(context.Background())
		cleanup()
		return nil, err
	}
	return &Client{
		inner:   cli,
		stop:    stop,
		cleanup: cleanup,
	}, nil
}

// Close shuts down the embedded server and releases resources.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		if c.stop != nil {
			if err := c.stop(ctx); err != nil {
				c.closeErr = err
			}
		}
		if c.cleanup != nil {
			c.cleanup()
		}
	})
	return c.closeErr
}

// CreateQueue creates or touches queue.
func (c *Client) CreateQueue(ctx context.Context, account, queue string) error {
	return c.inner.CreateQueue(ctx, account, queue)
}

// ListQueues lists the queues of account.
func (c *Client) ListQueues(ctx context.Context, account string) ([]string, error) {
	return c.inner.ListQueues(ctx, account)
}

// Enqueue stores body as a new message.
func (c *Client) Enqueue(ctx context.Context, account, queue string, body io.Reader, opts objqclient.EnqueueOptions) (string, error) {
	return c.inner.Enqueue(ctx, account, queue, body, opts)
}

// ClaimNext claims the oldest available message.
func (c *Client) ClaimNext(ctx context.Context, account, queue string, opts objqclient.ClaimOptions) (*objqclient.Message, bool, error) {
	return c.inner.ClaimNext(ctx, account, queue, opts)
}

// ClaimByID claims a specific message.
func (c *Client) ClaimByID(ctx context.Context, account, queue, id string, opts objqclient.ClaimOptions) (*objqclient.Message, error) {
	return c.inner.ClaimByID(ctx, account, queue, id, opts)
}

// Acknowledge deletes a message.
func (c *Client) Acknowledge(ctx context.Context, account, queue, id string) (bool, error) {
	return c.inner.Acknowledge(ctx, account, queue, id)
}
