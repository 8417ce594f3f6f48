package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ogurasousui/staff-provisioning/internal/core/user"
	"golang.org/x/time/rate"
)

const (
	maxResponseBytes = 1 << 20
	maxRetryBackoff  = 10 * time.Second

	requiredActionUpdatePassword = "UPDATE_PASSWORD"
	requiredActionVerifyEmail    = "VERIFY_EMAIL"

	outcomeOK          = "ok"
	outcomeUnavailable = "unavailable"
	outcomeInvalid     = "invalid"
)

// Config は Keycloak 管理 API クライアントの設定です。
type Config struct {
	BaseURL           string
	Realm             string
	AdminRealm        string
	AdminClientID     string
	AdminUsername     string
	AdminPassword     string
	TemporaryPassword string
	// Timeout は 1 回の HTTP 呼び出しに適用されます。呼び出し元のデッドラインが短ければそちらが優先されます。
	Timeout time.Duration
	// MaxRetries は冪等な呼び出し（トークン取得と GET）にのみ適用されます。
	MaxRetries        int
	RetryBackoff      time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Observer は IdP 呼び出しの所要時間を受け取ります。
type Observer interface {
	ObserveIdentityProvider(op, outcome string, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveIdentityProvider(string, string, time.Duration) {}

// Option は Client の生成オプションです。
type Option func(*Client)

// WithHTTPClient は利用する http.Client を差し替えます。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithObserver は呼び出しごとの計測先を設定します。
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger はロガーを設定します。
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client は Keycloak 互換の管理 REST API を呼び出します。
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	observer   Observer
	logger     *slog.Logger
}

var (
	_ user.AdminTokenProvider = (*Client)(nil)
	_ user.IdentityProvider   = (*Client)(nil)
)

// NewClient は Client を生成します。
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AdminRealm == "" {
		cfg.AdminRealm = "master"
	}
	if cfg.AdminClientID == "" {
		cfg.AdminClientID = "admin-cli"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		observer:   noopObserver{},
		logger:     slog.New(slog.DiscardHandler),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "keycloak.client")
	return c
}

// Token は管理トークンと有効期間です。
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// AdminToken は管理者資格情報をパスワードグラントで交換し、アクセストークンを返します。
func (c *Client) AdminToken(ctx context.Context) (string, error) {
	token, err := c.RequestToken(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// RequestToken は有効期間付きで管理トークンを取得します。
func (c *Client) RequestToken(ctx context.Context) (Token, error) {
	form := url.Values{
		"client_id":  {c.cfg.AdminClientID},
		"username":   {c.cfg.AdminUsername},
		"password":   {c.cfg.AdminPassword},
		"grant_type": {"password"},
	}

	resp, err := c.do(ctx, request{
		op:          "admin_token",
		method:      http.MethodPost,
		path:        "/realms/" + url.PathEscape(c.cfg.AdminRealm) + "/protocol/openid-connect/token",
		body:        []byte(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
		idempotent:  true,
	})
	if err != nil {
		return Token{}, err
	}

	var payload tokenResponse
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return Token{}, invalidResponse("admin_token", fmt.Errorf("decode body: %w", err))
	}
	if payload.AccessToken == "" {
		return Token{}, invalidResponse("admin_token", errors.New("access_token missing"))
	}

	return Token{
		AccessToken: payload.AccessToken,
		ExpiresIn:   time.Duration(payload.ExpiresIn) * time.Second,
	}, nil
}

type credentialRepresentation struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

type userRepresentation struct {
	Username        string                     `json:"username"`
	Email           string                     `json:"email"`
	Enabled         bool                       `json:"enabled"`
	FirstName       string                     `json:"firstName"`
	LastName        string                     `json:"lastName"`
	Credentials     []credentialRepresentation `json:"credentials"`
	Attributes      map[string][]string        `json:"attributes"`
	RequiredActions []string                   `json:"requiredActions"`
	EmailVerified   bool                       `json:"emailVerified"`
}

type idRepresentation struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// CreateIdentity はレルムにユーザーを作成し、IdP 側の ID を返します。
// ID は Location ヘッダーの末尾から取得し、無ければメールアドレス検索で解決します。
func (c *Client) CreateIdentity(ctx context.Context, token string, identity user.RemoteIdentity) (string, error) {
	body, err := json.Marshal(userRepresentation{
		Username:  identity.Email,
		Email:     identity.Email,
		Enabled:   true,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		Credentials: []credentialRepresentation{{
			Type:      "password",
			Value:     c.cfg.TemporaryPassword,
			Temporary: true,
		}},
		Attributes: map[string][]string{
			"company_uuid":    {identity.CompanyUUID.String()},
			"user_uuid":       {identity.UserUUID.String()},
			"employee_number": {identity.EmployeeNumber},
		},
		RequiredActions: []string{requiredActionUpdatePassword, requiredActionVerifyEmail},
		EmailVerified:   false,
	})
	if err != nil {
		return "", fmt.Errorf("keycloak: encode user: %w", err)
	}

	resp, err := c.do(ctx, request{
		op:          "create_identity",
		method:      http.MethodPost,
		path:        c.realmPath("users"),
		token:       token,
		body:        body,
		contentType: "application/json",
	})
	if err != nil {
		return "", err
	}

	if id := lastPathSegment(resp.header.Get("Location")); id != "" {
		return id, nil
	}

	c.logger.DebugContext(ctx, "location header missing, resolving identity by email")
	return c.findIdentityByEmail(ctx, token, identity.Email)
}

func (c *Client) findIdentityByEmail(ctx context.Context, token, email string) (string, error) {
	resp, err := c.do(ctx, request{
		op:         "find_identity",
		method:     http.MethodGet,
		path:       c.realmPath("users"),
		query:      url.Values{"email": {email}},
		token:      token,
		idempotent: true,
	})
	if err != nil {
		return "", err
	}

	var found []idRepresentation
	if err := json.Unmarshal(resp.body, &found); err != nil {
		return "", invalidResponse("find_identity", fmt.Errorf("decode body: %w", err))
	}
	for _, candidate := range found {
		if candidate.ID != "" && strings.EqualFold(candidate.Email, email) {
			return candidate.ID, nil
		}
	}
	if len(found) > 0 && found[0].ID != "" {
		return found[0].ID, nil
	}
	return "", invalidResponse("find_identity", errors.New("identity id could not be resolved"))
}

// AssignClientRole はクライアント clientAlias のロール roleName をユーザーへ付与します。
func (c *Client) AssignClientRole(ctx context.Context, token, externalID, clientAlias, roleName string) error {
	clientsResp, err := c.do(ctx, request{
		op:         "find_client",
		method:     http.MethodGet,
		path:       c.realmPath("clients"),
		query:      url.Values{"clientId": {clientAlias}},
		token:      token,
		idempotent: true,
	})
	if err != nil {
		return err
	}

	var clients []idRepresentation
	if err := json.Unmarshal(clientsResp.body, &clients); err != nil {
		return invalidResponse("find_client", fmt.Errorf("decode body: %w", err))
	}
	if len(clients) == 0 || clients[0].ID == "" {
		return invalidResponse("find_client", fmt.Errorf("client %q not found", clientAlias))
	}
	clientID := clients[0].ID

	roleResp, err := c.do(ctx, request{
		op:         "find_role",
		method:     http.MethodGet,
		path:       c.realmPath("clients", clientID, "roles", roleName),
		token:      token,
		idempotent: true,
	})
	if err != nil {
		return err
	}

	var role idRepresentation
	if err := json.Unmarshal(roleResp.body, &role); err != nil {
		return invalidResponse("find_role", fmt.Errorf("decode body: %w", err))
	}
	if role.ID == "" || role.Name == "" {
		return invalidResponse("find_role", fmt.Errorf("role %q not found", roleName))
	}

	body, err := json.Marshal([]idRepresentation{{ID: role.ID, Name: role.Name}})
	if err != nil {
		return fmt.Errorf("keycloak: encode role mapping: %w", err)
	}

	_, err = c.do(ctx, request{
		op:          "assign_role",
		method:      http.MethodPost,
		path:        c.realmPath("users", externalID, "role-mappings", "clients", clientID),
		token:       token,
		body:        body,
		contentType: "application/json",
	})
	return err
}

func (c *Client) realmPath(segments ...string) string {
	escaped := make([]string, 0, len(segments)+2)
	escaped = append(escaped, "admin/realms", url.PathEscape(c.cfg.Realm))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	return "/" + strings.Join(escaped, "/")
}

func lastPathSegment(location string) string {
	if location == "" {
		return ""
	}
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	seg := path.Base(strings.TrimRight(u.Path, "/"))
	if seg == "." || seg == "/" {
		return ""
	}
	return seg
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	token       string
	body        []byte
	contentType string
	idempotent  bool
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// HTTPError は IdP が 2xx 以外を返したことを表します。
type HTTPError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("keycloak: %s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// do は冪等な呼び出しに限り、通信障害を指数バックオフで再試行します。
func (c *Client) do(ctx context.Context, req request) (*response, error) {
	attempts := 1
	if req.idempotent {
		attempts += c.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff(c.cfg.RetryBackoff, attempt)
			c.logger.DebugContext(ctx, "retrying identity provider call", "op", req.op, "attempt", attempt+1, "backoff", backoff)
			if err := sleep(ctx, backoff); err != nil {
				return nil, unavailable(req.op, errors.Join(lastErr, err))
			}
		}

		resp, err := c.once(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, user.ErrIdentityProviderUnavailable) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// retryBackoff は attempt 回目の再試行までの待ち時間を返します。maxRetryBackoff で頭打ちになります。
func retryBackoff(base time.Duration, attempt int) time.Duration {
	backoff := base
	for i := 1; i < attempt && backoff < maxRetryBackoff; i++ {
		backoff *= 2
	}
	return min(backoff, maxRetryBackoff)
}

func (c *Client) once(ctx context.Context, req request) (resp *response, err error) {
	start := time.Now()
	defer func() {
		c.observer.ObserveIdentityProvider(req.op, outcomeOf(err), time.Since(start))
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, unavailable(req.op, fmt.Errorf("rate limiter: %w", err))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	target := c.cfg.BaseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("keycloak: %s: build request: %w", req.op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, unavailable(req.op, err)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, unavailable(req.op, fmt.Errorf("read body: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		httpErr := &HTTPError{Op: req.op, Status: httpResp.StatusCode, Body: truncate(string(payload), 512)}
		switch {
		case httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests:
			return nil, unavailable(req.op, httpErr)
		case httpResp.StatusCode == http.StatusUnauthorized && req.token != "":
			return nil, invalidResponse(req.op, fmt.Errorf("%w: %w", user.ErrIdentityProviderTokenRejected, httpErr))
		}
		return nil, invalidResponse(req.op, httpErr)
	}

	return &response{status: httpResp.StatusCode, header: httpResp.Header, body: payload}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("keycloak: %s: %w: %w", op, user.ErrIdentityProviderUnavailable, err)
}

func invalidResponse(op string, err error) error {
	return fmt.Errorf("keycloak: %s: %w: %w", op, user.ErrIdentityProviderResponseInvalid, err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, user.ErrIdentityProviderResponseInvalid):
		return outcomeInvalid
	default:
		return outcomeUnavailable
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
