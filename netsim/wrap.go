//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Logging conn wrapper.
//

package netsim

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/rs/xid"
)

// WrapConn wraps a [net.Conn] to emit structured logs for I/O
// completion events. Each wrapped connection gets a unique streamID
// so interleaved logs from concurrent connections can be told apart.
//
// A nil logger disables logging without unwrapping.
func WrapConn(ctx context.Context, logger *slog.Logger, conn net.Conn) net.Conn {
	return &connWrapper{
		closeOnce: sync.Once{},
		conn:      conn,
		ctx:       ctx,
		laddr:     conn.LocalAddr().String(),
		logger:    logger,
		protocol:  conn.LocalAddr().Network(),
		raddr:     conn.RemoteAddr().String(),
		streamID:  xid.New().String(),
	}
}

// connWrapper wraps a [net.Conn] to emit structured logs.
type connWrapper struct {
	closeOnce sync.Once
	conn      net.Conn
	ctx       context.Context // only used for logging
	laddr     string
	logger    *slog.Logger // may be nil
	protocol  string
	raddr     string
	streamID  string
}

// Ensure [*connWrapper] implements [net.Conn].
var _ net.Conn = &connWrapper{}

// Read implements [net.Conn].
func (c *connWrapper) Read(buf []byte) (int, error) {
	t0 := time.Now()
	count, err := c.conn.Read(buf)
	if c.logger != nil {
		c.logger.InfoContext(
			c.ctx,
			"readDone",
			slog.Int("ioBytesCount", count),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.String("localAddr", c.laddr),
			slog.String("protocol", c.protocol),
			slog.String("remoteAddr", c.raddr),
			slog.String("streamID", c.streamID),
			slog.Time("t0", t0),
			slog.Time("t", time.Now()),
		)
	}
	return count, err
}

// Write implements [net.Conn].
func (c *connWrapper) Write(data []byte) (int, error) {
	t0 := time.Now()
	count, err := c.conn.Write(data)
	if c.logger != nil {
		c.logger.InfoContext(
			c.ctx,
			"writeDone",
			slog.Int("ioBytesCount", count),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.String("localAddr", c.laddr),
			slog.String("protocol", c.protocol),
			slog.String("remoteAddr", c.raddr),
			slog.String("streamID", c.streamID),
			slog.Time("t0", t0),
			slog.Time("t", time.Now()),
		)
	}
	return count, err
}

// Close implements [net.Conn].
func (c *connWrapper) Close() (err error) {
	c.closeOnce.Do(func() {
		t0 := time.Now()
		err = c.conn.Close()
		if c.logger != nil {
			c.logger.InfoContext(
				c.ctx,
				"closeDone",
				slog.Any("err", err),
				slog.String("errClass", errclass.New(err)),
				slog.String("localAddr", c.laddr),
				slog.String("protocol", c.protocol),
				slog.String("remoteAddr", c.raddr),
				slog.String("streamID", c.streamID),
				slog.Time("t0", t0),
				slog.Time("t", time.Now()),
			)
		}
	})
	return
}

// LocalAddr implements [net.Conn].
func (c *connWrapper) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr implements [net.Conn].
func (c *connWrapper) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline implements [net.Conn].
func (c *connWrapper) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (c *connWrapper) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn].
func (c *connWrapper) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
