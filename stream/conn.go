package stream

import (
	"context"
	"image"
)

// Conn is an open connection to a video origin.
// ReadFrame blocks until the next frame is decoded; any error means the connection is unusable.
// Close must unblock a pending ReadFrame.
type Conn interface {
	ReadFrame() (image.Image, error)
	Close() error
}

// Dialer opens connections to a video origin
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, address string) (Conn, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, address string) (Conn, error) {
	return f(ctx, address)
}
