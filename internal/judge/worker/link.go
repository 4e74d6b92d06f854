package worker

import (
	"context"
	"sync"
	"time"

	"autojudge/internal/rpc"
	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Caller issues one RPC call.
type Caller interface {
	Call(ctx context.Context, method string, params any, out any) error
}

// link keeps one session to the control plane open and redials it after
// the connection drops. Calls made while the session is down fail with a
// transport error; the caller decides when to retry.
type link struct {
	url         string
	token       string
	dialTimeout time.Duration

	mu     sync.Mutex
	client *rpc.Client
	closed bool
}

func newLink(url, token string, dialTimeout time.Duration) *link {
	return &link{url: url, token: token, dialTimeout: dialTimeout}
}

func (l *link) Call(ctx context.Context, method string, params any, out any) error {
	c, err := l.session(ctx)
	if err != nil {
		return err
	}
	return c.Call(ctx, method, params, out)
}

func (l *link) session(ctx context.Context) (*rpc.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, rpc.ErrClosed
	}
	if l.client != nil {
		select {
		case <-l.client.Done():
			logger.Warn(ctx, "rpc session lost", zap.Error(l.client.Err()))
			l.client = nil
		default:
			return l.client, nil
		}
	}
	dctx, cancel := context.WithTimeout(ctx, l.dialTimeout)
	defer cancel()
	c, err := rpc.Dial(dctx, l.url, rpc.DialOptions{Token: l.token, HandshakeTimeout: l.dialTimeout})
	if err != nil {
		return nil, err
	}
	info, err := c.Session(dctx)
	if err != nil {
		_ = c.Close()
		return nil, &rpc.TransportError{Err: err}
	}
	logger.Info(ctx, "rpc session opened", zap.String("session_id", info.SessionID), zap.String("role", info.Role), zap.Int("tools", len(info.Tools)))
	l.client = c
	return c, nil
}

func (l *link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.client == nil {
		return nil
	}
	err := l.client.Close()
	l.client = nil
	return err
}
