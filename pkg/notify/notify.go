package notify

import "context"

// Notifier delivers a text message to one recipient. Implementations rate
// limit themselves; callers just send.
type Notifier interface {
	Send(ctx context.Context, recipientID string, text string) error
}
