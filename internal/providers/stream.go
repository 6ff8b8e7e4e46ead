package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"coderoom/pkg/interfaces"
	"coderoom/pkg/types"
)

// StreamConfig configures the hosted video/chat provider client.
type StreamConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider request failed: status=%d, body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// StreamClient talks to the hosted provider over HTTP. Every request carries
// the api_key query parameter and a server-side JWT signed with the secret.
type StreamClient struct {
	baseURL    string
	apiKey     string
	secret     []byte
	httpClient *http.Client
	logger     logrus.FieldLogger
	now        func() time.Time
}

// NewStreamClient creates a client. Key and secret are required.
func NewStreamClient(cfg StreamConfig, logger logrus.FieldLogger) (*StreamClient, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("provider api key and secret are required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("provider base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StreamClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		secret:     []byte(cfg.APISecret),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.WithField("component", "stream"),
		now:        time.Now,
	}, nil
}

// Video returns the VideoRoomService view of the client.
func (c *StreamClient) Video() *StreamVideo { return &StreamVideo{c: c} }

// Chat returns the ChatChannelService view of the client.
func (c *StreamClient) Chat() *StreamChat { return &StreamChat{c: c} }

// Identities returns the IdentityDirectory view of the client.
func (c *StreamClient) Identities() *StreamIdentities { return &StreamIdentities{c: c} }

// Close releases idle connections.
func (c *StreamClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// serverToken signs a short-lived server-side token.
func (c *StreamClient) serverToken() (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"server": true,
		"iat":    now.Unix(),
		"exp":    now.Add(time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *StreamClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)
	endpoint := c.baseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	token, err := c.serverToken()
	if err != nil {
		return fmt.Errorf("failed to sign server token: %w", err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Stream-Auth-Type", "jwt")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
	}).Debug("provider request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// StreamIdentities is the IdentityDirectory backed by StreamClient.
type StreamIdentities struct{ c *StreamClient }

func (s *StreamIdentities) Upsert(ctx context.Context, user types.Identity) error {
	body := map[string]interface{}{
		"users": map[string]types.Identity{user.ID: user},
	}
	return s.c.do(ctx, http.MethodPost, "/api/v2/users", nil, body, nil)
}

func (s *StreamIdentities) Delete(ctx context.Context, userID string) error {
	err := s.c.do(ctx, http.MethodDelete, "/api/v2/users/"+url.PathEscape(userID), nil, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// StreamVideo is the VideoRoomService backed by StreamClient.
type StreamVideo struct{ c *StreamClient }

func callPath(kind, roomID string) string {
	return "/api/v2/video/call/" + url.PathEscape(kind) + "/" + url.PathEscape(roomID)
}

func (s *StreamVideo) CreateOrGet(ctx context.Context, kind, roomID string, members []interfaces.Member, metadata map[string]string) (*interfaces.RoomRef, error) {
	if kind == "" {
		kind = interfaces.VideoRoomKind
	}
	data := map[string]interface{}{
		"members": members,
		"custom":  metadata,
	}
	for _, m := range members {
		if m.Role == "admin" {
			data["created_by_id"] = m.UserID
			break
		}
	}

	var resp struct {
		Call struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"call"`
	}
	if err := s.c.do(ctx, http.MethodPost, callPath(kind, roomID), nil, map[string]interface{}{"data": data}, &resp); err != nil {
		return nil, err
	}
	ref := &interfaces.RoomRef{Kind: kind, ID: roomID}
	if resp.Call.ID != "" {
		ref.ID = resp.Call.ID
	}
	return ref, nil
}

func (s *StreamVideo) AddMembers(ctx context.Context, roomID string, userIDs []string) error {
	members := make([]interfaces.Member, 0, len(userIDs))
	for _, id := range userIDs {
		members = append(members, interfaces.Member{UserID: id})
	}
	body := map[string]interface{}{"update_members": members}
	return s.c.do(ctx, http.MethodPost, callPath(interfaces.VideoRoomKind, roomID)+"/members", nil, body, nil)
}

func (s *StreamVideo) SoftEnd(ctx context.Context, roomID string) error {
	return s.c.do(ctx, http.MethodPost, callPath(interfaces.VideoRoomKind, roomID)+"/mark_ended", nil, nil, nil)
}

func (s *StreamVideo) HardDelete(ctx context.Context, roomID string) error {
	body := map[string]interface{}{"hard": true}
	err := s.c.do(ctx, http.MethodPost, callPath(interfaces.VideoRoomKind, roomID)+"/delete", nil, body, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// StreamChat is the ChatChannelService backed by StreamClient.
type StreamChat struct{ c *StreamClient }

func channelPath(kind, channelID string) string {
	return "/api/v2/chat/channels/" + url.PathEscape(kind) + "/" + url.PathEscape(channelID)
}

func (s *StreamChat) Create(ctx context.Context, kind, channelID string, members []string, metadata map[string]string) (*interfaces.ChannelRef, error) {
	if kind == "" {
		kind = interfaces.ChatChannelKind
	}
	data := map[string]interface{}{"members": members}
	for k, v := range metadata {
		data[k] = v
	}
	if len(members) > 0 {
		data["created_by_id"] = members[0]
	}
	if err := s.c.do(ctx, http.MethodPost, channelPath(kind, channelID)+"/query", nil, map[string]interface{}{"data": data}, nil); err != nil {
		return nil, err
	}
	return &interfaces.ChannelRef{Kind: kind, ID: channelID}, nil
}

func (s *StreamChat) AddMembers(ctx context.Context, channelID string, userIDs []string) error {
	body := map[string]interface{}{"add_members": userIDs}
	return s.c.do(ctx, http.MethodPost, channelPath(interfaces.ChatChannelKind, channelID), nil, body, nil)
}

func (s *StreamChat) Delete(ctx context.Context, channelID string) error {
	q := url.Values{}
	q.Set("hard_delete", "true")
	err := s.c.do(ctx, http.MethodDelete, channelPath(interfaces.ChatChannelKind, channelID), q, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}
