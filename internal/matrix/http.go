package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	syncTimeout     = 30 * time.Second
	sendEditTimeout = 15 * time.Second
)

// HTTPClient implements Client against the plain HTTP client-server API.
type HTTPClient struct {
	homeserver string // base URL, no trailing slash
	domain     string // server name for user ids

	mu     sync.RWMutex
	token  string
	userID string

	http *http.Client

	// registrationSecret enables EnsureAccount via the shared-secret
	// registration endpoint. Empty disables account bootstrap.
	registrationSecret string
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithRegistrationSecret enables shared-secret account registration.
func WithRegistrationSecret(secret string) Option {
	return func(c *HTTPClient) { c.registrationSecret = secret }
}

// WithCredentials binds the client to an existing session.
func WithCredentials(creds *Credentials) Option {
	return func(c *HTTPClient) {
		c.token = creds.AccessToken
		c.userID = creds.UserID
	}
}

// NewHTTPClient creates a client for the given homeserver base URL.
// domain is the server name used in user ids (e.g. "mindroom.example").
func NewHTTPClient(homeserver, domain string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		homeserver: strings.TrimRight(homeserver, "/"),
		domain:     domain,
		http: &http.Client{
			// Sync long-polls for syncTimeout; leave headroom.
			Timeout: syncTimeout + 15*time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Domain returns the server name used for user ids.
func (c *HTTPClient) Domain() string { return c.domain }

// UserIDFor builds the full Matrix user id for a local-part on this server.
func (c *HTTPClient) UserIDFor(localpart string) string {
	return "@" + localpart + ":" + c.domain
}

type apiError struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
	Status  int    `json:"-"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("matrix: %s (%s, HTTP %d)", e.Err, e.ErrCode, e.Status)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.homeserver+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil {
			apiErr.Err = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Login implements Client.
func (c *HTTPClient) Login(ctx context.Context, username, password string) (*Credentials, error) {
	reqBody := map[string]interface{}{
		"type": "m.login.password",
		"identifier": map[string]string{
			"type": "m.id.user",
			"user": username,
		},
		"password":                    password,
		"initial_device_display_name": "mindroom",
	}
	var resp struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
		DeviceID    string `json:"device_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/login", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}

	c.mu.Lock()
	c.token = resp.AccessToken
	c.userID = resp.UserID
	c.mu.Unlock()

	return &Credentials{
		HomeserverURL: c.homeserver,
		UserID:        resp.UserID,
		AccessToken:   resp.AccessToken,
		DeviceID:      resp.DeviceID,
	}, nil
}

// Whoami implements Client.
func (c *HTTPClient) Whoami(ctx context.Context) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, &resp); err != nil {
		return "", err
	}
	return resp.UserID, nil
}

// syncResponse mirrors the subset of /sync we consume.
type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []rawEvent `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
		Invite map[string]struct {
			InviteState struct {
				Events []rawEvent `json:"events"`
			} `json:"invite_state"`
		} `json:"invite"`
	} `json:"rooms"`
}

type rawEvent struct {
	EventID        string                 `json:"event_id"`
	Type           string                 `json:"type"`
	Sender         string                 `json:"sender"`
	StateKey       *string                `json:"state_key,omitempty"`
	OriginServerTS int64                  `json:"origin_server_ts"`
	Content        map[string]interface{} `json:"content"`
}

// Sync implements Client.
func (c *HTTPClient) Sync(ctx context.Context, cursor string) (*SyncBatch, error) {
	q := url.Values{}
	q.Set("timeout", fmt.Sprintf("%d", syncTimeout.Milliseconds()))
	if cursor != "" {
		q.Set("since", cursor)
	}

	var resp syncResponse
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/sync?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	batch := &SyncBatch{NextCursor: resp.NextBatch}

	for roomID, joined := range resp.Rooms.Join {
		for _, raw := range joined.Timeline.Events {
			switch raw.Type {
			case "m.room.message":
				batch.Events = append(batch.Events, parseMessage(roomID, raw))
			case "m.room.member":
				membership, _ := raw.Content["membership"].(string)
				userID := raw.Sender
				if raw.StateKey != nil {
					userID = *raw.StateKey
				}
				batch.Members = append(batch.Members, MemberChange{
					RoomID:     roomID,
					UserID:     userID,
					Membership: membership,
				})
			}
		}
	}
	for roomID, inv := range resp.Rooms.Invite {
		sender := ""
		for _, raw := range inv.InviteState.Events {
			if raw.Type == "m.room.member" && raw.Sender != "" {
				sender = raw.Sender
			}
		}
		batch.Invites = append(batch.Invites, Invite{RoomID: roomID, Sender: sender})
	}

	return batch, nil
}

func parseMessage(roomID string, raw rawEvent) Event {
	ev := Event{
		ID:        raw.EventID,
		RoomID:    roomID,
		Sender:    raw.Sender,
		Timestamp: time.UnixMilli(raw.OriginServerTS),
	}
	ev.Body, _ = raw.Content["body"].(string)

	if mentions, ok := raw.Content["m.mentions"].(map[string]interface{}); ok {
		if ids, ok := mentions["user_ids"].([]interface{}); ok {
			for _, id := range ids {
				if s, ok := id.(string); ok {
					ev.Mentions = append(ev.Mentions, s)
				}
			}
		}
	}

	if rel, ok := raw.Content["m.relates_to"].(map[string]interface{}); ok {
		relType, _ := rel["rel_type"].(string)
		target, _ := rel["event_id"].(string)
		switch relType {
		case "m.thread":
			ev.ThreadID = target
		case "m.replace":
			ev.IsEdit = true
			ev.Replaces = target
			if nc, ok := raw.Content["m.new_content"].(map[string]interface{}); ok {
				if body, ok := nc["body"].(string); ok {
					ev.Body = body
				}
			}
		}
	}

	if tf, ok := raw.Content["io.mindroom.transcribed_for"].(string); ok {
		ev.TranscribedFor = tf
	}

	return ev
}

// SendMessage implements Client.
func (c *HTTPClient) SendMessage(ctx context.Context, roomID, body string, opts SendOpts) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sendEditTimeout)
	defer cancel()

	content := map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
	}
	if opts.Formatted != "" {
		content["format"] = "org.matrix.custom.html"
		content["formatted_body"] = opts.Formatted
	}
	if opts.ThreadID != "" {
		content["m.relates_to"] = map[string]interface{}{
			"rel_type": "m.thread",
			"event_id": opts.ThreadID,
		}
	} else if opts.ReplyTo != "" {
		content["m.relates_to"] = map[string]interface{}{
			"m.in_reply_to": map[string]string{"event_id": opts.ReplyTo},
		}
	}
	if len(opts.Mentions) > 0 {
		content["m.mentions"] = map[string]interface{}{"user_ids": opts.Mentions}
	}
	if opts.TranscribedFor != "" {
		content["io.mindroom.transcribed_for"] = opts.TranscribedFor
	}

	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID), uuid.NewString())
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, path, content, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// EditMessage implements Client.
func (c *HTTPClient) EditMessage(ctx context.Context, roomID, messageID, body string) error {
	ctx, cancel := context.WithTimeout(ctx, sendEditTimeout)
	defer cancel()

	content := map[string]interface{}{
		"msgtype": "m.text",
		"body":    "* " + body,
		"m.new_content": map[string]interface{}{
			"msgtype": "m.text",
			"body":    body,
		},
		"m.relates_to": map[string]interface{}{
			"rel_type": "m.replace",
			"event_id": messageID,
		},
	}

	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID), uuid.NewString())
	err := c.do(ctx, http.MethodPut, path, content, nil)
	var apiErr *apiError
	if ok := asAPIError(err, &apiErr); ok && apiErr.Status == http.StatusConflict {
		return ErrEditConflict
	}
	return err
}

func asAPIError(err error, target **apiError) bool {
	if err == nil {
		return false
	}
	e, ok := err.(*apiError)
	if ok {
		*target = e
	}
	return ok
}

// GetMessage implements Client.
func (c *HTTPClient) GetMessage(ctx context.Context, roomID, messageID string) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/event/%s",
		url.PathEscape(roomID), url.PathEscape(messageID))
	var raw rawEvent
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return "", err
	}
	body, _ := raw.Content["body"].(string)
	return body, nil
}

// JoinRoom implements Client.
func (c *HTTPClient) JoinRoom(ctx context.Context, roomID string) error {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID)
	return c.do(ctx, http.MethodPost, path, map[string]string{}, nil)
}

// LeaveRoom implements Client.
func (c *HTTPClient) LeaveRoom(ctx context.Context, roomID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID))
	err := c.do(ctx, http.MethodPost, path, map[string]string{}, nil)
	var apiErr *apiError
	if asAPIError(err, &apiErr) && apiErr.ErrCode == "M_NOT_MEMBER" {
		return nil
	}
	return err
}

// CreateRoom implements Client.
func (c *HTTPClient) CreateRoom(ctx context.Context, alias, name string) (string, error) {
	reqBody := map[string]interface{}{
		"room_alias_name": alias,
		"name":            name,
		"preset":          "private_chat",
	}
	var resp struct {
		RoomID string `json:"room_id"`
	}
	err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", reqBody, &resp)
	var apiErr *apiError
	if asAPIError(err, &apiErr) && apiErr.ErrCode == "M_ROOM_IN_USE" {
		// Alias taken: resolve it instead.
		return c.resolveAlias(ctx, alias)
	}
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *HTTPClient) resolveAlias(ctx context.Context, alias string) (string, error) {
	full := "#" + alias + ":" + c.domain
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(full)
	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// InviteUser implements Client.
func (c *HTTPClient) InviteUser(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID))
	err := c.do(ctx, http.MethodPost, path, map[string]string{"user_id": userID}, nil)
	var apiErr *apiError
	if asAPIError(err, &apiErr) && apiErr.ErrCode == "M_FORBIDDEN" &&
		strings.Contains(apiErr.Err, "already in the room") {
		return nil
	}
	return err
}

// EnsureAccount implements Client. It uses the standard registration endpoint
// with the configured shared secret as the registration token. Returns true
// when this call created the account.
func (c *HTTPClient) EnsureAccount(ctx context.Context, username, password string) (bool, error) {
	reqBody := map[string]interface{}{
		"username": username,
		"password": password,
		"auth":     map[string]string{"type": "m.login.dummy"},
	}
	if c.registrationSecret != "" {
		reqBody["auth"] = map[string]string{
			"type":  "m.login.registration_token",
			"token": c.registrationSecret,
		}
	}

	err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/register", reqBody, nil)
	if err == nil {
		slog.Info("matrix.account_created", "user", username)
		return true, nil
	}
	var apiErr *apiError
	if asAPIError(err, &apiErr) && apiErr.ErrCode == "M_USER_IN_USE" {
		return false, nil
	}
	return false, fmt.Errorf("register %s: %w", username, err)
}
