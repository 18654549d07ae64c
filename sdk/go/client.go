package allosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Allo HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task summary (partial).
type Task struct {
	ID             int64  `json:"id"`
	BdeListID      int64  `json:"bde_list_id"`
	BdeListName    string `json:"bde_list_name"`
	Title          string `json:"title"`
	Theme          string `json:"theme"`
	Status         string `json:"status"`
	TotalSlots     int    `json:"total_slots"`
	ClaimedSlots   int    `json:"claimed_slots"`
	AvailableSlots int    `json:"available_slots"`
	TimeStatus     string `json:"time_status"`
}

// Claimant is the person submitting a claim.
type Claimant struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Building  string `json:"building"`
	Room      string `json:"room"`
}

// ClaimResult is the body of a won claim.
type ClaimResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SlotID    int64  `json:"slot_id"`
	ClaimedAt string `json:"claimed_at"`
}

// Claim is one held slot as returned by the phone lookup.
type Claim struct {
	ID             int64  `json:"id"`
	TaskID         int64  `json:"task_id"`
	TaskTitle      string `json:"task_title"`
	DeliveryStatus string `json:"delivery_status"`
	ClaimedAt      string `json:"claimed_at"`
}

// Session is a login result.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the API error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// Live lists published tasks, those with free slots first.
func (c *Client) Live(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "live", nil, &resp)
	return resp, err
}

// Task fetches the public view of a published task.
func (c *Client) Task(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", id), nil, &resp)
	return resp, err
}

// Claim tries to take the next free slot of a task.
func (c *Client) Claim(ctx context.Context, taskID int64, who Claimant) (ClaimResult, error) {
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/claim", taskID), who, &resp)
	return resp, err
}

// Lookup lists the slots held by a phone number.
func (c *Client) Lookup(ctx context.Context, phone string) ([]Claim, error) {
	var resp []Claim
	err := c.do(ctx, http.MethodPost, "claims/lookup", map[string]any{"phone": phone}, &resp)
	return resp, err
}

// Login exchanges operator credentials for a token and keeps it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"email": email, "password": password}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// PublishTask publishes a task owned by the logged in operator.
func (c *Client) PublishTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("bde/tasks/%d/publish", id), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
