package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"cryptchat/models"
)

// ErrUnauthorized indicates the bearer token was rejected or credentials
// were wrong.
var ErrUnauthorized = errors.New("api: unauthorized")

const defaultRequestTimeout = 30 * time.Second

// Client is the collaborator HTTP API: authentication, conversation and
// message fetch, the public-key directory, and channel search. It never
// carries key material other than wrapped (already-encrypted) session
// keys and published public keys.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	log        zerolog.Logger
}

// NewClient creates an API client for the given base URL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		baseURL:    baseURL,
		log:        log.With().Str("component", "api").Logger(),
	}
}

// SetToken installs the bearer token used for authenticated requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	return c.token
}

// PublicKeyRecord is one entry from the public-key directory.
type PublicKeyRecord struct {
	UserID    int64  `json:"user_id"`
	Email     string `json:"email"`
	PublicKey string `json:"public_key"`
}

// WrappedKeyUpload is one per-recipient wrapping of a session key,
// base64-encoded for transport.
type WrappedKeyUpload struct {
	UserID     int64  `json:"user_id"`
	Ciphertext string `json:"ciphertext"`
}

// EncodeWrappedKey converts wrapped key bytes to the upload encoding.
func EncodeWrappedKey(userID int64, ciphertext []byte) WrappedKeyUpload {
	return WrappedKeyUpload{
		UserID:     userID,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
}

// Login exchanges credentials for a bearer token and installs it. The
// returned user id identifies the account in conversation payloads.
func (c *Client) Login(ctx context.Context, email, password string) (string, int64, error) {
	var out struct {
		Token  string `json:"token"`
		UserID int64  `json:"user_id"`
	}
	err := c.do(ctx, http.MethodPost, "/login", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return "", 0, err
	}
	if out.Token == "" {
		return "", 0, errors.New("api: login response missing token")
	}

	c.token = out.Token
	return out.Token, out.UserID, nil
}

// Register creates an account, uploading the freshly generated public key.
func (c *Client) Register(ctx context.Context, username, email, password, publicKey string) (int64, error) {
	var out struct {
		UserID int64 `json:"user_id"`
	}
	err := c.do(ctx, http.MethodPost, "/register", map[string]string{
		"username":   username,
		"email":      email,
		"password":   password,
		"public_key": publicKey,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.UserID, nil
}

// FetchConversations returns every conversation visible to this account,
// each including the session key wrapped for this device.
func (c *Client) FetchConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMessages returns up to limit most recent messages of one
// conversation. Delivery order is not guaranteed; callers re-sort.
func (c *Client) FetchMessages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error) {
	path := fmt.Sprintf("/conversations/%d?limit=%d", conversationID, limit)
	var out []models.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchParticipants returns the current participant list of one
// conversation.
func (c *Client) FetchParticipants(ctx context.Context, conversationID int64) ([]models.Participant, error) {
	path := fmt.Sprintf("/conversations/%d/participants", conversationID)
	var out []models.Participant
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LookupPublicKeys resolves published public keys for a set of emails.
// Users without a published key are absent from the result.
func (c *Client) LookupPublicKeys(ctx context.Context, emails []string) ([]PublicKeyRecord, error) {
	var out []PublicKeyRecord
	err := c.do(ctx, http.MethodPost, "/public-keys", map[string][]string{
		"emails": emails,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddParticipant uploads a re-wrapped session key for a new joiner.
func (c *Client) AddParticipant(ctx context.Context, conversationID int64, email string, wrapped WrappedKeyUpload) error {
	path := fmt.Sprintf("/conversations/%d/participants", conversationID)
	return c.do(ctx, http.MethodPost, path, struct {
		Email      string           `json:"email"`
		WrappedKey WrappedKeyUpload `json:"wrapped_key"`
	}{Email: email, WrappedKey: wrapped}, nil)
}

// RemoveParticipant removes a member. The removed participant keeps old
// ciphertext readable; the key is not rotated.
func (c *Client) RemoveParticipant(ctx context.Context, conversationID, userID int64) error {
	path := fmt.Sprintf("/conversations/%d/participants/%d", conversationID, userID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// SearchChannels finds joinable channels by name.
func (c *Client) SearchChannels(ctx context.Context, query string) ([]models.Conversation, error) {
	path := "/channels/search?query=" + url.QueryEscape(query)
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// JoinChannel joins a channel by id.
func (c *Client) JoinChannel(ctx context.Context, channelID int64) error {
	return c.do(ctx, http.MethodPost, "/channels/"+strconv.FormatInt(channelID, 10)+"/join", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}

	return nil
}
