package notifications

import "context"

// Message is one outbound notification. Channel picks the delivery
// mechanism ("email", "sms", "push"); the task payload decides, not us.
type Message struct {
	Channel string
	To      string
	Subject string
	Body    string
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}
