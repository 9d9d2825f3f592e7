package domain

// Reminder links a Slack scheduled message to the event and user it was
// created for. Slack owns the delivery; we only keep enough to cancel it.
type Reminder struct {
	ID       string // Slack scheduled_message_id
	Filename string
	UserID   string
}
