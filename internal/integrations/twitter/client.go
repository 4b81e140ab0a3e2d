package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"dm-relay/internal/domain"
)

const csrfCookieName = "ct0"

// inboxPage is the minimal wire shape of the inbox_initial_state endpoint.
type inboxPage struct {
	InboxInitialState *inboxState    `json:"inbox_initial_state"`
	InboxTimelines    inboxTimelines `json:"inbox_timelines"`
	// Some payload variants carry users at the root instead of inside
	// inbox_initial_state.
	Users map[string]wireUser `json:"users"`
}

type inboxState struct {
	Entries []timelineEntry     `json:"entries"`
	Users   map[string]wireUser `json:"users"`
}

type inboxTimelines struct {
	Trusted timelineState `json:"trusted"`
}

type timelineState struct {
	Status     string `json:"status"`
	MinEntryID string `json:"min_entry_id"`
}

// conversationPage is the minimal wire shape of the per-conversation endpoint.
type conversationPage struct {
	ConversationTimeline struct {
		Status     string          `json:"status"`
		MinEntryID string          `json:"min_entry_id"`
		Entries    []timelineEntry `json:"entries"`
	} `json:"conversation_timeline"`
}

type timelineEntry struct {
	Message *entryMessage `json:"message"`
}

type entryMessage struct {
	ConversationID string       `json:"conversation_id"`
	Data           *messageData `json:"message_data"`
}

// messageData carries the fields this service keeps from a raw DM. Time is a
// millisecond epoch that arrives as either a JSON number or a numeric string
// depending on the payload variant, hence json.Number.
type messageData struct {
	SenderID    string      `json:"sender_id"`
	RecipientID string      `json:"recipient_id"`
	Text        string      `json:"text"`
	Time        json.Number `json:"time"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("twitter: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// DecodeError marks an upstream response whose body could not be decoded as
// the expected JSON shape.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("twitter: decode %s response: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Client calls the private DM endpoints of the X/Twitter API with
// caller-supplied credentials.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client against the production API base URL unless
// overridden. TLS behaviour follows the injected http.Client; the default
// uses the standard trust store.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    "https://twitter.com/i/api/1.1",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) endpointURL(path string) string {
	base := strings.TrimRight(c.baseURL, "/")
	if base == "" {
		base = "https://twitter.com/i/api/1.1"
	}
	return base + path
}

// cookieHeader assembles the Cookie header value from the credential cookie
// map, sorted by name so the output is deterministic.
func cookieHeader(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+cookies[name])
	}
	return strings.Join(pairs, "; ")
}

// applyHeaders sets the header set the DM endpoints require: bearer
// authorization, the anti-forgery token mirrored from the ct0 cookie, the
// assembled cookie header, and the fixed browser-identifying fields.
func applyHeaders(req *http.Request, creds domain.Credentials) {
	req.Header.Set("Authorization", creds.BearerToken)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("x-csrf-token", creds.Cookies[csrfCookieName])
	req.Header.Set("Cookie", cookieHeader(creds.Cookies))
	req.Header.Set("x-twitter-active-user", "yes")
	req.Header.Set("x-twitter-auth-type", "OAuth2Session")
	req.Header.Set("x-twitter-client-language", "en")
	req.Header.Set("accept", "application/json, text/plain, */*")
	req.Header.Set("origin", "https://x.com")
	req.Header.Set("referer", "https://x.com/messages")
}

// InboxState fetches one page of the inbox-state endpoint. An empty cursor
// requests the first page.
func (c *Client) InboxState(ctx context.Context, creds domain.Credentials, cursor string) (domain.InboxPage, error) {
	u := c.endpointURL("/dm/inbox_initial_state")
	if cursor != "" {
		u += "?cursor=" + url.QueryEscape(cursor)
	}

	raw, err := c.get(ctx, u, creds)
	if err != nil {
		return domain.InboxPage{}, err
	}

	var page inboxPage
	if decErr := json.Unmarshal(raw, &page); decErr != nil {
		return domain.InboxPage{}, &DecodeError{Endpoint: "inbox state", Err: decErr}
	}
	return decodeInboxPage(page), nil
}

func decodeInboxPage(page inboxPage) domain.InboxPage {
	out := domain.InboxPage{
		AtEnd:      page.InboxTimelines.Trusted.Status == "AT_END",
		NextCursor: page.InboxTimelines.Trusted.MinEntryID,
	}

	rawUsers := page.Users
	if page.InboxInitialState != nil {
		if len(page.InboxInitialState.Users) > 0 {
			rawUsers = page.InboxInitialState.Users
		}
		for _, entry := range page.InboxInitialState.Entries {
			if entry.Message == nil || entry.Message.ConversationID == "" {
				continue
			}
			out.ConversationIDs = append(out.ConversationIDs, entry.Message.ConversationID)
		}
	}

	if len(rawUsers) > 0 {
		out.Users = make(map[string]domain.UserRecord, len(rawUsers))
		for id, u := range rawUsers {
			out.Users[id] = domain.UserRecord{Name: u.Name, ScreenName: u.ScreenName}
		}
	}
	return out
}

type wireUser struct {
	Name       string `json:"name"`
	ScreenName string `json:"screen_name"`
}

// ConversationMessages fetches one page of a conversation's message timeline.
// An empty maxID requests the newest page.
func (c *Client) ConversationMessages(ctx context.Context, creds domain.Credentials, conversationID, maxID string) (domain.MessagePage, error) {
	u := c.endpointURL("/dm/conversation/" + url.PathEscape(conversationID) + ".json")
	if maxID != "" {
		u += "?max_id=" + url.QueryEscape(maxID)
	}

	raw, err := c.get(ctx, u, creds)
	if err != nil {
		return domain.MessagePage{}, err
	}

	var page conversationPage
	if decErr := json.Unmarshal(raw, &page); decErr != nil {
		return domain.MessagePage{}, &DecodeError{Endpoint: "conversation", Err: decErr}
	}

	out := domain.MessagePage{
		AtEnd:      page.ConversationTimeline.Status == "AT_END",
		NextCursor: page.ConversationTimeline.MinEntryID,
	}
	for _, entry := range page.ConversationTimeline.Entries {
		if entry.Message == nil || entry.Message.Data == nil {
			continue
		}
		data := entry.Message.Data
		out.Messages = append(out.Messages, domain.Message{
			SenderID:    data.SenderID,
			RecipientID: data.RecipientID,
			Text:        data.Text,
			Timestamp:   isoTimestamp(data.Time),
		})
	}
	return out, nil
}

// isoTimestamp converts an upstream millisecond epoch to UTC RFC 3339, or
// empty when the field is missing or not numeric.
func isoTimestamp(ms json.Number) string {
	if ms.String() == "" {
		return ""
	}
	n, err := ms.Int64()
	if err != nil {
		return ""
	}
	return time.UnixMilli(n).UTC().Format(time.RFC3339)
}

func (c *Client) get(ctx context.Context, u string, creds domain.Credentials) ([]byte, error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if reqErr != nil {
		return nil, fmt.Errorf("twitter: create request: %w", reqErr)
	}
	applyHeaders(req, creds)

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, fmt.Errorf("twitter: request failed: %w", doErr)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        u,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("twitter: read response body: %w", err)
	}
	return buf, nil
}
