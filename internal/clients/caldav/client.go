package caldav

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/beevik/etree"
)

const (
	nsDAV            = "DAV:"
	nsCalDAV         = "urn:ietf:params:xml:ns:caldav"
	nsCalendarServer = "http://calendarserver.org/ns/"

	timeRangeFormat = "20060102T150405Z"
)

// Client speaks the CalDAV subset this application needs: a PROPFIND for
// the collection CTag, REPORT calendar-query for ETags, REPORT
// calendar-multiget for full event content, and conditional PUT guarded
// by If-Match.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a CalDAV client for the calendar collection at baseURL.
func NewClient(baseURL, username, password string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &basicAuthTransport{username: username, password: password},
			Timeout:   30 * time.Second,
		},
		username: username,
		password: password,
		log:      log,
	}
}

// IsConfigured returns true if the client has credentials.
func (c *Client) IsConfigured() bool {
	return c.baseURL != "" && c.username != "" && c.password != ""
}

// basicAuthTransport adds Basic Auth to HTTP requests
type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

// do sends a request and returns the response body. Any status other than
// 200/201/204/207 is an error; codes listed in quietStatuses are still
// errors but logged at info level because the caller expects them.
func (c *Client) do(req *http.Request, quietStatuses ...int) (*http.Response, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("caldav request failed", "method", req.Method, "url", req.URL.String(), "error", err)
		return nil, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusMultiStatus:
		return resp, body, nil
	}

	quiet := false
	for _, s := range quietStatuses {
		if resp.StatusCode == s {
			quiet = true
			break
		}
	}
	if quiet {
		c.log.Info("caldav response", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode)
	} else {
		c.log.Error("bad caldav response", "method", req.Method, "url", req.URL.String(),
			"status", resp.StatusCode, "body", string(body))
	}
	return resp, body, fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL, resp.StatusCode)
}

func (c *Client) newRequest(ctx context.Context, method, url string, body *etree.Document, depth string) (*http.Request, error) {
	var buf bytes.Buffer
	body.Indent(2)
	if _, err := body.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", depth)
	req.Header.Set("Prefer", "return-minimal")
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	return req, nil
}

// GetCTag queries the version tag of the whole collection.
func (c *Client) GetCTag(ctx context.Context) (string, error) {
	doc := etree.NewDocument()
	propfind := doc.CreateElement("d:propfind")
	propfind.CreateAttr("xmlns:d", nsDAV)
	propfind.CreateAttr("xmlns:cs", nsCalendarServer)
	propfind.CreateElement("d:prop").CreateElement("cs:getctag")

	req, err := c.newRequest(ctx, "PROPFIND", c.baseURL, doc, "0")
	if err != nil {
		return "", err
	}

	_, body, err := c.do(req)
	if err != nil {
		return "", err
	}

	responses, err := parseMultistatus(body)
	if err != nil {
		return "", err
	}
	for _, resp := range responses {
		if ctag, ok := resp.props["getctag"]; ok {
			return ctag, nil
		}
	}
	return "", fmt.Errorf("no getctag in PROPFIND response")
}

// GetETags queries the ETag of every event, optionally bounded by a
// time-range filter on the event start. An empty map means the server
// reported no matching events, which is not an error.
func (c *Client) GetETags(ctx context.Context, notBefore, notAfter *time.Time) (map[string]string, error) {
	doc := etree.NewDocument()
	query := doc.CreateElement("c:calendar-query")
	query.CreateAttr("xmlns:d", nsDAV)
	query.CreateAttr("xmlns:c", nsCalDAV)
	query.CreateElement("d:prop").CreateElement("d:getetag")

	calFilter := query.CreateElement("c:filter").CreateElement("c:comp-filter")
	calFilter.CreateAttr("name", "VCALENDAR")
	if notBefore != nil || notAfter != nil {
		evFilter := calFilter.CreateElement("c:comp-filter")
		evFilter.CreateAttr("name", "VEVENT")
		timeRange := evFilter.CreateElement("c:time-range")
		if notBefore != nil {
			timeRange.CreateAttr("start", notBefore.UTC().Format(timeRangeFormat))
		}
		if notAfter != nil {
			timeRange.CreateAttr("end", notAfter.UTC().Format(timeRangeFormat))
		}
	}

	req, err := c.newRequest(ctx, "REPORT", c.baseURL, doc, "1")
	if err != nil {
		return nil, err
	}

	_, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	responses, err := parseMultistatus(body)
	if err != nil {
		return nil, err
	}
	etags := make(map[string]string, len(responses))
	for _, resp := range responses {
		etag, ok := resp.props["getetag"]
		if !ok || resp.href == "" {
			continue
		}
		etags[path.Base(resp.href)] = etag
	}
	return etags, nil
}

// FetchEvents retrieves the full content of the named events. Events the
// server no longer knows are silently absent from the result.
func (c *Client) FetchEvents(ctx context.Context, filenames []string) ([]RemoteEvent, error) {
	doc := etree.NewDocument()
	multiget := doc.CreateElement("c:calendar-multiget")
	multiget.CreateAttr("xmlns:d", nsDAV)
	multiget.CreateAttr("xmlns:c", nsCalDAV)
	prop := multiget.CreateElement("d:prop")
	prop.CreateElement("d:getetag")
	prop.CreateElement("c:calendar-data")
	for _, name := range filenames {
		multiget.CreateElement("d:href").SetText(c.baseURL + "/" + name)
	}

	req, err := c.newRequest(ctx, "REPORT", c.baseURL, doc, "1")
	if err != nil {
		return nil, err
	}

	_, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	responses, err := parseMultistatus(body)
	if err != nil {
		return nil, err
	}
	var events []RemoteEvent
	for _, resp := range responses {
		raw, okData := resp.props["calendar-data"]
		etag, okETag := resp.props["getetag"]
		if !okData || !okETag || resp.href == "" {
			continue
		}
		events = append(events, RemoteEvent{
			Filename: path.Base(resp.href),
			ETag:     etag,
			Raw:      raw,
		})
	}
	return events, nil
}

// UpdateEvent writes an event back to the server, guarded by the supplied
// ETag so a stale local copy can never clobber a concurrent remote change.
// It returns the new ETag when the server sends one, or "" when the write
// succeeded without an ETag and the caller must re-fetch. A stale ETag
// yields ErrConflict; quiet412 suppresses error-level logging of that
// outcome for callers that expect to race.
func (c *Client) UpdateEvent(ctx context.Context, filename, etag, raw string, quiet412 bool) (string, error) {
	c.log.Debug("updating event", "filename", filename, "etag", etag)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/"+filename, strings.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	req.Header.Set("If-Match", `"`+strings.Trim(etag, `"`)+`"`)

	var quiet []int
	if quiet412 {
		quiet = append(quiet, http.StatusPreconditionFailed)
	}
	resp, _, err := c.do(req, quiet...)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusPreconditionFailed {
			return "", ErrConflict
		}
		return "", err
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

// CreateEvent writes a new event; If-None-Match makes the server reject
// the write instead of overwriting an existing object with the same name.
func (c *Client) CreateEvent(ctx context.Context, filename, raw string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/"+filename, strings.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	req.Header.Set("If-None-Match", "*")

	if _, _, err := c.do(req); err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// multistatusResponse is one <d:response> of a multistatus document with
// its 2xx propstat properties flattened to local-name => text.
type multistatusResponse struct {
	href  string
	props map[string]string
}

func parseMultistatus(body []byte) ([]multistatusResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("parse multistatus: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "multistatus" {
		return nil, fmt.Errorf("parse multistatus: unexpected root element")
	}

	var responses []multistatusResponse
	for _, respElem := range root.SelectElements("response") {
		resp := multistatusResponse{props: make(map[string]string)}
		if hrefElem := respElem.SelectElement("href"); hrefElem != nil {
			resp.href = hrefElem.Text()
		}
		for _, propstatElem := range respElem.SelectElements("propstat") {
			if statusElem := propstatElem.SelectElement("status"); statusElem != nil {
				if !strings.Contains(statusElem.Text(), "200") {
					continue
				}
			}
			propElem := propstatElem.SelectElement("prop")
			if propElem == nil {
				continue
			}
			for _, p := range propElem.ChildElements() {
				if p.Tag == "getetag" || p.Tag == "getctag" {
					resp.props[p.Tag] = strings.Trim(strings.TrimSpace(p.Text()), `"`)
				} else {
					resp.props[p.Tag] = p.Text()
				}
			}
		}
		responses = append(responses, resp)
	}
	return responses, nil
}
