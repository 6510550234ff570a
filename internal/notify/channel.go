package notify

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed channel or subscription.
var ErrClosed = errors.New("notify: channel closed")

// Notification is one human-readable progress message.
type Notification struct {
	Text string
	At   time.Time
}

// Channel buffers status text and hands each item to exactly one subscriber.
type Channel interface {
	Publish(ctx context.Context, text string) error
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is one live viewer.
type Subscription interface {
	// Next blocks until an item is available, ctx is done or the
	// subscription is closed.
	Next(ctx context.Context) (Notification, error)
	Close()
}
