// Package gateway holds the persistence adapters rooms load from and save to.
package gateway

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
	"sync"
	"time"

	"collabdoc/internal/models"
	"collabdoc/internal/utils"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrNotMember = errors.New("not a member of organization")
)

const tokenEndpoint = "/api/v1/auth/token"

// HTTPConfig points the client at the article backend and its auth server.
type HTTPConfig struct {
	BackendURL   string
	AuthURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// HTTPClient talks to the article backend with a client-credentials token.
// A 401 reply refreshes the token and retries the request once.
type HTTPClient struct {
	cfg  HTTPConfig
	http *http.Client
	log  *utils.Logger

	mu    sync.Mutex
	token string
}

func NewHTTPClient(cfg HTTPConfig, log *utils.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	return &HTTPClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
}

/*** Backend wire types ***/

type tokenResponse struct {
	TokenType   string      `json:"token_type"`
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

type organizationResponse struct {
	Expert bool `json:"expert"`
}

type memberResponse struct {
	UserID   string `json:"user_id"`
	ReadOnly bool   `json:"read_only"`
}

type accessEntry struct {
	UserID      string `json:"user_id,omitempty"`
	UserGroupID string `json:"user_group_id,omitempty"`
	Write       bool   `json:"write"`
}

type tag struct {
	Name string `json:"name"`
}

type articleResponse struct {
	Article struct {
		ID            string        `json:"id"`
		Tags          []tag         `json:"tags"`
		WriteEveryone bool          `json:"write_everyone"`
		ReadEveryone  bool          `json:"read_everyone"`
		Private       bool          `json:"private"`
		Access        []accessEntry `json:"access"`
		ClientAccess  bool          `json:"client_access"`
	} `json:"article"`
	Content struct {
		Title      string `json:"title"`
		Content    string `json:"content"`
		LanguageID string `json:"language_id"`
		RTL        bool   `json:"rtl"`
	} `json:"content"`
}

type saveRequest struct {
	UserID        string        `json:"user_id"`
	ID            string        `json:"id,omitempty"`
	Authors       []string      `json:"authors"`
	Message       string        `json:"message"`
	WIP           bool          `json:"wip"`
	ReadEveryone  bool          `json:"read_everyone"`
	WriteEveryone bool          `json:"write_everyone"`
	Private       bool          `json:"private"`
	ClientAccess  bool          `json:"client_access"`
	Access        []accessEntry `json:"access"`
	Title         string        `json:"title"`
	Content       string        `json:"content"`
	RTL           bool          `json:"rtl"`
	Tags          []string      `json:"tags"`
	LanguageID    string        `json:"language_id"`
}

type saveResponse struct {
	ID string `json:"id"`
}

/*** session.Gateway ***/

func (c *HTTPClient) Organization(ctx context.Context, p models.Principal) (models.Entitlement, error) {
	var out organizationResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/organization", nil, p, nil, &out); err != nil {
		return models.Entitlement{}, fmt.Errorf("get organization: %w", err)
	}
	return models.Entitlement{Entitled: out.Expert}, nil
}

func (c *HTTPClient) LoadArticle(ctx context.Context, p models.Principal, ref models.DocRef) (*models.Snapshot, error) {
	q := url.Values{}
	q.Set("raw_content", "true")
	q.Set("user_id", p.ID)
	if ref.Lang != "" {
		q.Set("lang", ref.Lang)
	}
	var out articleResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/article/"+url.PathEscape(ref.ID), q, p, nil, &out); err != nil {
		return nil, fmt.Errorf("get article %s: %w", ref.ID, err)
	}
	snap := &models.Snapshot{
		ID:            out.Article.ID,
		Lang:          out.Content.LanguageID,
		Title:         out.Content.Title,
		Content:       []byte(out.Content.Content),
		RTL:           out.Content.RTL,
		AccessMode:    accessModeOf(out.Article.WriteEveryone, out.Article.ReadEveryone, out.Article.Private),
		ClientVisible: out.Article.ClientAccess,
	}
	for _, t := range out.Article.Tags {
		snap.Tags = append(snap.Tags, t.Name)
	}
	for _, a := range out.Article.Access {
		snap.Access = append(snap.Access, models.AccessEntry{UserID: a.UserID, GroupID: a.UserGroupID, Write: a.Write})
	}
	return snap, nil
}

func (c *HTTPClient) SaveArticle(ctx context.Context, p models.Principal, payload models.SavePayload) (models.SaveResult, error) {
	readEveryone, writeEveryone, private := accessFlagsOf(payload.AccessMode)
	req := saveRequest{
		UserID:        p.ID,
		ID:            payload.ID,
		Authors:       payload.Contributors,
		Message:       payload.Message,
		WIP:           payload.WIP,
		ReadEveryone:  readEveryone,
		WriteEveryone: writeEveryone,
		Private:       private,
		ClientAccess:  payload.ClientVisible,
		Title:         payload.Title,
		Content:       string(payload.Content),
		RTL:           payload.RTL,
		Tags:          payload.Tags,
		LanguageID:    payload.Lang,
	}
	for _, a := range payload.Access {
		req.Access = append(req.Access, accessEntry{UserID: a.UserID, UserGroupID: a.GroupID, Write: a.Write})
	}
	var out saveResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/article", nil, p, req, &out); err != nil {
		return models.SaveResult{}, fmt.Errorf("save article: %w", err)
	}
	c.log.Info("article saved", "id", out.ID, "principal", p.ID)
	return models.SaveResult{ID: out.ID}, nil
}

// Member checks the principal's own token against the backend's membership
// endpoint.
func (c *HTTPClient) Member(ctx context.Context, p models.Principal) (models.Membership, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BackendURL+"/api/v1/user/member", nil)
	if err != nil {
		return models.Membership{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)
	req.Header.Set("Organization", p.Organization)
	resp, err := c.http.Do(req)
	if err != nil {
		return models.Membership{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.Membership{}, ErrNotMember
	case resp.StatusCode != http.StatusOK:
		return models.Membership{}, fmt.Errorf("member check failed (status %d): %s", resp.StatusCode, string(body))
	}
	var out memberResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return models.Membership{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if out.UserID != "" && out.UserID != p.ID {
		return models.Membership{}, fmt.Errorf("%w: token belongs to %s", ErrNotMember, out.UserID)
	}
	return models.Membership{Member: true, ReadOnly: out.ReadOnly}, nil
}

/*** Transport ***/

func (c *HTTPClient) do(ctx context.Context, method, path string, q url.Values, p models.Principal, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = b
	}
	token, err := c.currentToken(ctx)
	if err != nil {
		return err
	}
	status, body, err := c.send(ctx, method, path, q, p, token, payload)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.log.Info("service token rejected, refreshing")
		if token, err = c.refreshToken(ctx, token); err != nil {
			return err
		}
		if status, body, err = c.send(ctx, method, path, q, p, token, payload); err != nil {
			return err
		}
	}
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status < 200 || status > 299:
		return fmt.Errorf("backend replied %d: %s", status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *HTTPClient) send(ctx context.Context, method, path string, q url.Values, p models.Principal, token string, payload []byte) (int, []byte, error) {
	u := c.cfg.BackendURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Organization", p.Organization)
	req.Header.Set("Client", c.cfg.ClientID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *HTTPClient) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return c.refreshToken(ctx, "")
}

// refreshToken obtains a new service token unless another caller already
// replaced stale.
func (c *HTTPClient) refreshToken(ctx context.Context, stale string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.token != stale {
		return c.token, nil
	}
	form := map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	}
	b, _ := json.Marshal(form)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL+tokenEndpoint, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("obtaining service token failed", "host", c.cfg.AuthURL, "error", err)
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		c.log.Error("obtaining service token failed", "host", c.cfg.AuthURL, "status", resp.StatusCode)
		return "", fmt.Errorf("token request failed (status %d): %s", resp.StatusCode, string(body))
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("token response without access_token")
	}
	c.token = tok.AccessToken
	c.log.Info("obtained service token")
	return c.token, nil
}

/*** Access mode mapping ***/

func accessModeOf(writeEveryone, readEveryone, private bool) models.AccessMode {
	switch {
	case writeEveryone:
		return models.AccessOpenWrite
	case readEveryone:
		return models.AccessOpenRead
	case !private:
		return models.AccessOrgVisible
	default:
		return models.AccessPrivate
	}
}

func accessFlagsOf(m models.AccessMode) (readEveryone, writeEveryone, private bool) {
	return m <= models.AccessOpenRead, m == models.AccessOpenWrite, m == models.AccessPrivate
}
