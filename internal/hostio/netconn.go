package hostio

import (
	"context"
	"net"
	"time"
)

// netPhysicalConn adapts a net.Conn to connset.PhysicalConn, honoring
// ctx deadlines on each call rather than a single fixed deadline.
type netPhysicalConn struct {
	conn net.Conn
}

func wrapNetConn(c net.Conn) *netPhysicalConn {
	return &netPhysicalConn{conn: c}
}

func (c *netPhysicalConn) Write(ctx context.Context, b []byte) (int, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.Write(b)
}

func (c *netPhysicalConn) Read(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, 65535)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *netPhysicalConn) Close() error {
	return c.conn.Close()
}
