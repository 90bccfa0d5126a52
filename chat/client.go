package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
)

// Client talks to the chat REST API: paginated history, conversation
// metadata, user search, and the OTP sign-in flow. It is a plain
// request/response wrapper; realtime synchronization lives in Session
// and Engine.
type Client struct {
	httpClient *http.Client
	baseURL    string

	tokenMu sync.RWMutex
	token   string
}

// NewClient creates an API client for the given base URL.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// SetToken sets the bearer token attached to subsequent requests.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// apiError is the error shape the API returns in response bodies.
type apiError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}

// do sends a JSON request and decodes the response into result. An empty
// bearer overrides the client token for unauthenticated calls; otherwise
// the stored token is used.
func (c *Client) do(ctx context.Context, method, endpoint string, bearer string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer == "" {
		bearer = c.Token()
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// Response envelopes. The API wraps every payload in a "data" object.

type messagesResponse struct {
	Data struct {
		Messages []Message `json:"messages"`
	} `json:"data"`
}

type conversationResponse struct {
	Data struct {
		Conversation Conversation `json:"conversation"`
	} `json:"data"`
}

type conversationsResponse struct {
	Data struct {
		Conversations []Conversation `json:"conversations"`
	} `json:"data"`
}

type usersResponse struct {
	Data struct {
		Users []User `json:"users"`
	} `json:"data"`
}

type profileResponse struct {
	Data struct {
		User User `json:"user"`
	} `json:"data"`
}

type tokenResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

// GetMessages fetches one history page for a conversation, ordered by
// creation time ascending. Pages start at 1.
func (c *Client) GetMessages(ctx context.Context, conversationID string, page, limit int) ([]Message, error) {
	endpoint := fmt.Sprintf("/api/chat/conversations/%s/messages?page=%s&limit=%s",
		url.PathEscape(conversationID), strconv.Itoa(page), strconv.Itoa(limit))

	var resp messagesResponse
	if err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	return resp.Data.Messages, nil
}

// GetConversationDetail fetches one conversation with its participant set.
func (c *Client) GetConversationDetail(ctx context.Context, conversationID string) (*Conversation, error) {
	endpoint := "/api/chat/conversations/" + url.PathEscape(conversationID)

	var resp conversationResponse
	if err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching conversation: %w", err)
	}

	return &resp.Data.Conversation, nil
}

// GetConversations lists all conversations for the authenticated user.
func (c *Client) GetConversations(ctx context.Context) ([]Conversation, error) {
	var resp conversationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations", "", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return resp.Data.Conversations, nil
}

// CreateConversationRequest is the payload for creating a conversation.
// Participants are usernames.
type CreateConversationRequest struct {
	Participants []string `json:"participants"`
	Type         string   `json:"type"`
	Title        string   `json:"title,omitempty"`
}

// CreateConversation creates a conversation and returns it.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (*Conversation, error) {
	var resp conversationResponse
	if err := c.do(ctx, http.MethodPost, "/api/chat/conversations", "", req, &resp); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	return &resp.Data.Conversation, nil
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	endpoint := "/api/chat/conversations/" + url.PathEscape(conversationID)

	if err := c.do(ctx, http.MethodDelete, endpoint, "", nil, nil); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	return nil
}

// SearchUsers finds users matching the query.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	endpoint := "/api/chat/users?search=" + url.QueryEscape(query)

	var resp usersResponse
	if err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}

	return resp.Data.Users, nil
}

// GetProfile returns the authenticated user. Also used to validate a
// cached session token on startup.
func (c *Client) GetProfile(ctx context.Context) (*User, error) {
	var resp profileResponse
	if err := c.do(ctx, http.MethodGet, "/api/auth/profile", "", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	return &resp.Data.User, nil
}

// Logout invalidates the current session token.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/auth/logout", "", struct{}{}, nil); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	return nil
}

// sendOTPRequest is the payload for requesting a one-time code.
type sendOTPRequest struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

// SendOTP asks the server to email a one-time code. The returned token
// must be presented to VerifyOTP together with the code.
func (c *Client) SendOTP(ctx context.Context, email, purpose string) (string, error) {
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/otp/send", "", sendOTPRequest{Email: email, Purpose: purpose}, &resp); err != nil {
		return "", fmt.Errorf("sending OTP: %w", err)
	}

	return resp.Data.Token, nil
}

// verifyOTPRequest is the payload for verifying a one-time code.
type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

// VerifyOTP exchanges the emailed code for a session token. otpToken is
// the token returned by SendOTP.
func (c *Client) VerifyOTP(ctx context.Context, email, code, otpToken string) (string, error) {
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/otp/verify", otpToken, verifyOTPRequest{Email: email, OTP: code}, &resp); err != nil {
		return "", fmt.Errorf("verifying OTP: %w", err)
	}

	return resp.Data.Token, nil
}
