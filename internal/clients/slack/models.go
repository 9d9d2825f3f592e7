package slack

// User is a Slack workspace user as returned by users.lookupByEmail.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name"`
}

type apiEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type userResponse struct {
	apiEnvelope
	User User `json:"user"`
}

type scheduleMessageResponse struct {
	apiEnvelope
	ScheduledMessageID string `json:"scheduled_message_id"`
}
