package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"dm-relay/internal/domain"
	"dm-relay/internal/integrations/twitter"
)

const (
	defaultMaxConcurrent = 8
	defaultMaxPages      = 100
)

// UpstreamGateway is the slice of the DM API client this service consumes.
type UpstreamGateway interface {
	InboxState(ctx context.Context, creds domain.Credentials, cursor string) (domain.InboxPage, error)
	ConversationMessages(ctx context.Context, creds domain.Credentials, conversationID, maxID string) (domain.MessagePage, error)
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// tokenPayload is the expected JSON shape stored in SSM for the fallback
// bearer token.
type tokenPayload struct {
	Token string `json:"token"`
}

// DMService implements the four DM retrieval operations against an upstream
// gateway. All state it accumulates is scoped to a single call; nothing is
// cached across requests except the optional fallback token.
type DMService struct {
	upstream      UpstreamGateway
	tokens        ParamGetter
	tokenParam    string
	maxConcurrent int
	maxPages      int

	tokenOnce     sync.Once
	fallbackToken string
	tokenErr      error
}

type Option func(*DMService)

// WithFallbackToken configures an SSM-held bearer token used when a request
// carries none. The parameter is fetched on first use and reused for the
// lifetime of the process.
func WithFallbackToken(getter ParamGetter, paramName string) Option {
	return func(s *DMService) {
		s.tokens = getter
		s.tokenParam = strings.TrimSpace(paramName)
	}
}

// WithMaxConcurrent bounds the batch fan-out. Values below one are ignored.
func WithMaxConcurrent(n int) Option {
	return func(s *DMService) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithMaxPages caps pagination loops per operation. Values below one are
// ignored.
func WithMaxPages(n int) Option {
	return func(s *DMService) {
		if n > 0 {
			s.maxPages = n
		}
	}
}

func NewDMService(upstream UpstreamGateway, opts ...Option) (*DMService, error) {
	if upstream == nil {
		return nil, errors.New("usecase: upstream gateway must not be nil")
	}
	s := &DMService{
		upstream:      upstream,
		maxConcurrent: defaultMaxConcurrent,
		maxPages:      defaultMaxPages,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tokens != nil && s.tokenParam == "" {
		return nil, errors.New("usecase: fallback token parameter name must not be empty")
	}
	return s, nil
}

// ListConversations fetches the first inbox-state page and returns its
// conversation ids deduplicated in first-seen order.
func (s *DMService) ListConversations(ctx context.Context, creds domain.Credentials) ([]string, error) {
	creds, err := s.resolveCredentials(ctx, creds)
	if err != nil {
		return nil, err
	}

	page, err := s.upstream.InboxState(ctx, creds, "")
	if err != nil {
		return nil, classify("inbox_state", err)
	}

	seen := make(map[string]bool, len(page.ConversationIDs))
	ids := make([]string, 0, len(page.ConversationIDs))
	for _, id := range page.ConversationIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// ListUsers pages through the inbox state and merges every page's user
// records into one mapping. A record seen on a later page replaces the
// earlier one under the same id.
func (s *DMService) ListUsers(ctx context.Context, creds domain.Credentials) (map[string]domain.UserRecord, error) {
	creds, err := s.resolveCredentials(ctx, creds)
	if err != nil {
		return nil, err
	}

	users := make(map[string]domain.UserRecord)
	cursor := ""
	for page := 0; ; page++ {
		if page >= s.maxPages {
			return nil, newError(ErrorPagination, "inbox_cursor_not_converging", nil)
		}

		p, err := s.upstream.InboxState(ctx, creds, cursor)
		if err != nil {
			return nil, classify("inbox_state", err)
		}
		for id, u := range p.Users {
			users[id] = u
		}

		// A repeated cursor is upstream's end-of-pages signal.
		if p.AtEnd || p.NextCursor == "" || p.NextCursor == cursor {
			return users, nil
		}
		cursor = p.NextCursor
	}
}

// FetchConversation pages through one conversation's timeline and returns
// its messages in page-arrival order. Any page failure discards everything
// accumulated so far.
func (s *DMService) FetchConversation(ctx context.Context, creds domain.Credentials, conversationID string) ([]domain.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, newError(ErrorInvalidInput, "empty_conversation_id", nil)
	}
	creds, err := s.resolveCredentials(ctx, creds)
	if err != nil {
		return nil, err
	}

	var messages []domain.Message
	seen := make(map[string]bool)
	maxID := ""
	for page := 0; ; page++ {
		if page >= s.maxPages {
			return nil, newError(ErrorPagination, "conversation_cursor_not_converging", nil)
		}

		p, err := s.upstream.ConversationMessages(ctx, creds, conversationID, maxID)
		if err != nil {
			return nil, classify("conversation", err)
		}
		messages = append(messages, p.Messages...)

		if p.AtEnd || p.NextCursor == "" || seen[p.NextCursor] {
			return messages, nil
		}
		seen[p.NextCursor] = true
		maxID = p.NextCursor
	}
}

// FetchAllConversations lists the inbox once, then fetches every
// conversation through a bounded task group. Results keep the lister's
// order. Any single failure cancels the remaining fetches and fails the
// whole batch with the first error.
func (s *DMService) FetchAllConversations(ctx context.Context, creds domain.Credentials) ([]domain.Conversation, error) {
	ids, err := s.ListConversations(ctx, creds)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.Conversation{}, nil
	}

	out := make([]domain.Conversation, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for i, id := range ids {
		g.Go(func() error {
			messages, err := s.FetchConversation(gctx, creds, id)
			if err != nil {
				return err
			}
			out[i] = domain.Conversation{ConversationID: id, Messages: messages}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, classify("conversation", err)
	}
	return out, nil
}

// resolveCredentials substitutes the SSM-held fallback bearer token when the
// request carries none and a fallback source is configured. Credentials that
// already carry a token pass through untouched; so does an empty token with
// no fallback, leaving rejection to upstream.
func (s *DMService) resolveCredentials(ctx context.Context, creds domain.Credentials) (domain.Credentials, error) {
	if creds.BearerToken != "" || s.tokens == nil {
		return creds, nil
	}
	s.tokenOnce.Do(func() {
		s.fallbackToken, s.tokenErr = fetchFallbackToken(ctx, s.tokens, s.tokenParam)
	})
	if s.tokenErr != nil {
		return domain.Credentials{}, newError(ErrorInternal, "fallback_token_error", s.tokenErr)
	}
	creds.BearerToken = s.fallbackToken
	return creds, nil
}

func fetchFallbackToken(ctx context.Context, getter ParamGetter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("usecase: fetch fallback token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("usecase: unmarshal fallback token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("usecase: fallback token is empty")
	}
	return tp.Token, nil
}

// classify maps a gateway failure onto the service error taxonomy. Errors
// already carrying a code pass through unchanged.
func classify(op string, err error) *Error {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr
	}
	var decErr *twitter.DecodeError
	if errors.As(err, &decErr) {
		return newError(ErrorParse, op+"_malformed_response", err)
	}
	if status, ok := upstreamStatusCode(err); ok {
		switch status {
		case 401, 403:
			return newError(ErrorAuthentication, op+"_rejected", err)
		case 429:
			return newError(ErrorRateLimited, op+"_rate_limited", err)
		default:
			return newError(ErrorUpstream, op+"_error", err)
		}
	}
	return newError(ErrorUpstream, op+"_error", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
