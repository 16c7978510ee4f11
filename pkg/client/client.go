// Package client is the typed HTTP client for the gitgate API. Every server
// route has a matching method; failed status codes map back onto the
// provider's sentinel errors so callers can branch with errors.Is.
package client

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

	"github.com/gitgate/gitgate"
)

// User is the API shape of an account: no credential hash, team names
// flattened.
type User struct {
	Username     string   `json:"username"`
	Admin        bool     `json:"admin"`
	Repositories []string `json:"repositories"`
	Teams        []string `json:"teams"`
}

// UserRequest is the PUT payload for creating, updating, or renaming a user.
type UserRequest struct {
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`
	Admin        bool     `json:"admin"`
	Repositories []string `json:"repositories,omitempty"`
}

// LoginResult is the response from a successful login.
type LoginResult struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

// Config holds what a Client needs. Either Token or Username/Password must
// be set for authenticated calls; Token wins when both are present.
type Config struct {
	ServerURL  string
	Token      string
	Username   string
	Password   string
	Logger     *slog.Logger
	HTTPClient *http.Client
}

type Client struct {
	serverURL  *url.URL
	token      string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(config Config) (*Client, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	serverURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	return &Client{
		serverURL:  serverURL,
		token:      config.Token,
		username:   config.Username,
		password:   config.Password,
		httpClient: config.HTTPClient,
		logger:     config.Logger,
	}, nil
}

// Login exchanges credentials for a session token. The token is returned,
// not stored; pass it back in via Config.Token for subsequent clients.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var out LoginResult
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", body, &out); err != nil {
		return LoginResult{}, err
	}
	return out, nil
}

// CurrentUser returns the account the client authenticates as.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, "/api/v1/auth/user", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Users(ctx context.Context) ([]*User, error) {
	var out []*User
	if err := c.do(ctx, http.MethodGet, "/api/v1/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Usernames(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/api/v1/usernames", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) User(ctx context.Context, username string) (*User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(username), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutUser upserts the record stored under username. A Username field in req
// that differs from the path renames the account.
func (c *Client) PutUser(ctx context.Context, username string, req UserRequest) error {
	return c.do(ctx, http.MethodPut, "/api/v1/users/"+url.PathEscape(username), req, nil)
}

func (c *Client) DeleteUser(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/users/"+url.PathEscape(username), nil, nil)
}

func (c *Client) Teams(ctx context.Context) ([]*gitgate.Team, error) {
	var out []*gitgate.Team
	if err := c.do(ctx, http.MethodGet, "/api/v1/teams", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Teamnames(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/api/v1/teamnames", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Team(ctx context.Context, teamname string) (*gitgate.Team, error) {
	var out gitgate.Team
	if err := c.do(ctx, http.MethodGet, "/api/v1/teams/"+url.PathEscape(teamname), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PutTeam(ctx context.Context, teamname string, team *gitgate.Team) error {
	return c.do(ctx, http.MethodPut, "/api/v1/teams/"+url.PathEscape(teamname), team, nil)
}

func (c *Client) DeleteTeam(ctx context.Context, teamname string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/teams/"+url.PathEscape(teamname), nil, nil)
}

func (c *Client) UsernamesForRole(ctx context.Context, role string) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, rolePath(role)+"/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetUsernamesForRole(ctx context.Context, role string, usernames []string) error {
	if usernames == nil {
		usernames = []string{}
	}
	return c.do(ctx, http.MethodPut, rolePath(role)+"/users", usernames, nil)
}

func (c *Client) TeamnamesForRole(ctx context.Context, role string) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, rolePath(role)+"/teams", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetTeamnamesForRole(ctx context.Context, role string, teamnames []string) error {
	if teamnames == nil {
		teamnames = []string{}
	}
	return c.do(ctx, http.MethodPut, rolePath(role)+"/teams", teamnames, nil)
}

func (c *Client) RenameRole(ctx context.Context, oldRole, newRole string) error {
	body := map[string]string{"role": newRole}
	return c.do(ctx, http.MethodPost, rolePath(oldRole)+"/rename", body, nil)
}

func (c *Client) DeleteRole(ctx context.Context, role string) error {
	return c.do(ctx, http.MethodDelete, rolePath(role), nil, nil)
}

func rolePath(role string) string {
	parts := strings.SplitN(role, "/", 2)
	if len(parts) != 2 {
		// Let the server reject it with a proper 400.
		return "/api/v1/roles/" + url.PathEscape(role) + "/_"
	}
	return "/api/v1/roles/" + url.PathEscape(parts[0]) + "/" + url.PathEscape(parts[1])
}

// do sends one request and decodes the response into out when it is
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	u := c.serverURL.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// statusError folds the interesting status codes back onto the provider
// sentinels.
func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := strings.TrimSpace(string(msg))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", detail, gitgate.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", detail, gitgate.ErrExists)
	case http.StatusUnauthorized:
		return gitgate.ErrUnauthenticated
	case http.StatusNotImplemented:
		return fmt.Errorf("%s: %w", detail, gitgate.ErrUnsupported)
	default:
		return fmt.Errorf("server error: %s: %s", resp.Status, detail)
	}
}
