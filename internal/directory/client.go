package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/icholy/digest"
)

// Client looks up participants against the marketplace user service, which
// fronts its internal API with HTTP digest auth.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a directory lookup client. username and password are the
// service account credentials for the user service's internal API.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &digest.Transport{
				Username: username,
				Password: password,
			},
		},
		baseURL: baseURL,
	}
}

// envelope is the user service's standard response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Resolve fetches the profile for userID. Returns ErrNotFound if the user
// service has no such user.
func (c *Client) Resolve(ctx context.Context, userID string) (*Participant, error) {
	reqURL := c.baseURL + "/v1/users/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: resolving %q: %w", userID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("directory: reading response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(body, &env) == nil && env.Error != "" {
			return nil, fmt.Errorf("directory: user service error (status %d): %s", resp.StatusCode, env.Error)
		}
		return nil, fmt.Errorf("directory: user service returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("directory: decoding response: %w", err)
	}
	var p Participant
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("directory: decoding participant: %w", err)
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	return &p, nil
}
