package slack

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "https://slack.com/api"

// Client is a minimal Slack Web API client covering what the agenda
// needs: resolving emails to user ids, scheduled reminder messages, and
// plain notifications.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a new Slack client.
func NewClient(token string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

// IsConfigured returns true if the client has a token.
func (c *Client) IsConfigured() bool {
	return c.token != ""
}

// SetBaseURL overrides the API endpoint, for tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = strings.TrimSuffix(u, "/")
}

// post performs a form-encoded API call and returns the raw response body.
func (c *Client) post(method string, form url.Values) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error %d on %s: %s", resp.StatusCode, method, string(body))
	}
	return body, nil
}

// LookupUserByEmail resolves an email to a Slack user. It returns
// (nil, nil) when Slack knows no such user; that outcome is cached by the
// caller, so it must not be an error.
func (c *Client) LookupUserByEmail(email string) (*User, error) {
	body, err := c.post("users.lookupByEmail", url.Values{"email": {email}})
	if err != nil {
		return nil, err
	}

	var parsed userResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal users.lookupByEmail: %w", err)
	}
	if !parsed.OK {
		if parsed.Error == "users_not_found" {
			return nil, nil
		}
		return nil, fmt.Errorf("users.lookupByEmail: %s", parsed.Error)
	}
	return &parsed.User, nil
}

// ScheduleMessage schedules a message to userID at postAt and returns the
// scheduled message id needed to cancel it later.
func (c *Client) ScheduleMessage(userID, text string, postAt time.Time) (string, error) {
	body, err := c.post("chat.scheduleMessage", url.Values{
		"channel": {userID},
		"text":    {text},
		"post_at": {strconv.FormatInt(postAt.Unix(), 10)},
	})
	if err != nil {
		return "", err
	}

	var parsed scheduleMessageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal chat.scheduleMessage: %w", err)
	}
	if !parsed.OK {
		return "", fmt.Errorf("chat.scheduleMessage: %s", parsed.Error)
	}
	return parsed.ScheduledMessageID, nil
}

// DeleteScheduledMessage cancels a scheduled message. An unknown id is
// not an error: the message may already have been delivered, or the user
// may have deleted it from Slack.
func (c *Client) DeleteScheduledMessage(userID, scheduledMessageID string) error {
	body, err := c.post("chat.deleteScheduledMessage", url.Values{
		"channel":              {userID},
		"scheduled_message_id": {scheduledMessageID},
	})
	if err != nil {
		return err
	}

	var parsed apiEnvelope
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("unmarshal chat.deleteScheduledMessage: %w", err)
	}
	if !parsed.OK {
		if parsed.Error == "invalid_scheduled_message_id" {
			c.log.Info("scheduled message already gone", "id", scheduledMessageID)
			return nil
		}
		return fmt.Errorf("chat.deleteScheduledMessage: %s", parsed.Error)
	}
	return nil
}

// PostMessage sends a direct message to userID.
func (c *Client) PostMessage(userID, text string) error {
	body, err := c.post("chat.postMessage", url.Values{
		"channel": {userID},
		"text":    {text},
	})
	if err != nil {
		return err
	}

	var parsed apiEnvelope
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("unmarshal chat.postMessage: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("chat.postMessage: %s", parsed.Error)
	}
	return nil
}
