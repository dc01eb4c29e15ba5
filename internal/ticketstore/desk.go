package ticketstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"tickettriage/internal/domain"
	"tickettriage/internal/httpx"
)

const (
	deskProvider     = "desk"
	tokenMaxAttempts = 3
	maxErrorBody     = 300
)

type DeskConfig struct {
	BaseURL      string // e.g. https://desk.zoho.com/api/v1
	AccountsURL  string // e.g. https://accounts.zoho.com
	OrgID        string
	ClientID     string
	ClientSecret string
	RefreshToken string
	HTTPClient   *http.Client
}

// UsageRecorder receives one record per desk API call.
type UsageRecorder interface {
	InsertAPIUsage(ctx context.Context, u domain.APIUsage) error
}

// DeskClient talks to a Zoho Desk style REST API using an OAuth refresh
// token. The access token is cached and refreshed once on a 401.
type DeskClient struct {
	cfg     DeskConfig
	mapping FieldMapping
	http    *http.Client
	usage   UsageRecorder
	log     logrus.FieldLogger
	now     func() time.Time

	mu    sync.Mutex
	token string
}

func NewDeskClient(cfg DeskConfig, mapping FieldMapping, usage UsageRecorder, log logrus.FieldLogger) *DeskClient {
	client := cfg.HTTPClient
	if client == nil {
		client = httpx.ExternalHTTPClient()
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.AccountsURL = strings.TrimRight(cfg.AccountsURL, "/")
	return &DeskClient{
		cfg:     cfg,
		mapping: mapping,
		http:    client,
		usage:   usage,
		log:     log,
		now:     time.Now,
	}
}

func (c *DeskClient) Mapping() FieldMapping { return c.mapping }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
}

func (c *DeskClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	var token string
	op := func() error {
		t, err := c.refreshToken(ctx)
		if err != nil {
			if IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		token = t
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), tokenMaxAttempts-1),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}

func (c *DeskClient) refreshToken(ctx context.Context) (string, error) {
	form := url.Values{
		"refresh_token": {c.cfg.RefreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"refresh_token"},
	}
	start := c.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AccountsURL+"/oauth/v2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		c.record(ctx, "oauth_token", start, err)
		return "", fmt.Errorf("desk token request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		herr := &HTTPError{Op: "oauth_token", StatusCode: resp.StatusCode, Body: truncate(string(body))}
		c.record(ctx, "oauth_token", start, herr)
		return "", herr
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		c.record(ctx, "oauth_token", start, err)
		return "", fmt.Errorf("parse desk token response: %w", err)
	}
	if tr.AccessToken == "" {
		err := fmt.Errorf("desk token response has no access_token (error=%q)", tr.Error)
		c.record(ctx, "oauth_token", start, err)
		return "", err
	}
	c.record(ctx, "oauth_token", start, nil)
	return tr.AccessToken, nil
}

func (c *DeskClient) invalidateToken(stale string) {
	c.mu.Lock()
	if c.token == stale {
		c.token = ""
	}
	c.mu.Unlock()
}

// do sends an authenticated request and decodes a JSON response into out
// when out is non-nil. A 401 invalidates the cached token and retries once.
func (c *DeskClient) do(ctx context.Context, op, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode %s payload: %w", op, err)
		}
	}

	start := c.now()
	err := c.send(ctx, op, method, path, body, out, true)
	c.record(ctx, op, start, err)
	return err
}

func (c *DeskClient) send(ctx context.Context, op, method, path string, body []byte, out any, retryAuth bool) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("desk %s: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	req.Header.Set("orgId", c.cfg.OrgID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("desk %s: %w", op, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized && retryAuth {
		c.log.WithField("op", op).Info("Desk access token rejected, refreshing")
		c.invalidateToken(token)
		return c.send(ctx, op, method, path, body, out, false)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(respBody))}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode desk %s response: %w", op, err)
		}
	}
	return nil
}

func (c *DeskClient) record(ctx context.Context, op string, start time.Time, err error) {
	if c.usage == nil {
		return
	}
	u := domain.APIUsage{
		Provider:   deskProvider,
		Operation:  op,
		DurationMS: c.now().Sub(start).Milliseconds(),
		Success:    err == nil,
		CalledAt:   start,
	}
	if err != nil {
		u.Error = truncate(err.Error())
	}
	// Usage is analytics only; a failed insert must not fail the desk call.
	if ierr := c.usage.InsertAPIUsage(context.WithoutCancel(ctx), u); ierr != nil {
		c.log.WithError(ierr).Debug("Failed to record desk api usage")
	}
}

type deskContact struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

type deskTicket struct {
	ID           string          `json:"id"`
	Subject      string          `json:"subject"`
	Description  string          `json:"description"`
	Email        string          `json:"email"`
	Contact      *deskContact    `json:"contact"`
	CF           map[string]any  `json:"cf"`
	CustomFields json.RawMessage `json:"customFields"`
}

func (c *DeskClient) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	var dt deskTicket
	if err := c.do(ctx, "get_ticket", http.MethodGet, "/tickets/"+url.PathEscape(id)+"?include=contacts", nil, &dt); err != nil {
		return domain.Ticket{}, err
	}

	t := domain.Ticket{
		ID:           dt.ID,
		Subject:      strings.TrimSpace(dt.Subject),
		Body:         PlainText(dt.Description),
		Sender:       dt.Email,
		CustomFields: make(map[string]any),
	}
	if t.ID == "" {
		t.ID = id
	}
	if dt.Contact != nil {
		t.CustomerName = strings.TrimSpace(dt.Contact.FirstName + " " + dt.Contact.LastName)
		if t.Sender == "" {
			t.Sender = dt.Contact.Email
		}
	}

	// "cf" is keyed by API name. Older payloads put API names in customFields.
	raw := dt.CF
	if len(raw) == 0 && len(dt.CustomFields) > 0 {
		_ = json.Unmarshal(dt.CustomFields, &raw)
	}
	for key, v := range raw {
		if field, ok := c.mapping.Field(key); ok && v != nil {
			t.CustomFields[field] = v
		}
	}
	return t, nil
}

func (c *DeskClient) SetFields(ctx context.Context, id string, fields map[string]any) error {
	backend, err := c.mapping.ToBackend(fields)
	if err != nil {
		return err
	}
	payload := map[string]any{"cf": backend}
	return c.do(ctx, "update_ticket", http.MethodPatch, "/tickets/"+url.PathEscape(id), payload, nil)
}

func (c *DeskClient) AddComment(ctx context.Context, id, text string) error {
	payload := map[string]any{
		"content":     text,
		"isPublic":    false,
		"contentType": "plainText",
	}
	return c.do(ctx, "add_comment", http.MethodPost, "/tickets/"+url.PathEscape(id)+"/comments", payload, nil)
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
