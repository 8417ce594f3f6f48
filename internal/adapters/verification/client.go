package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ogurasousui/staff-provisioning/internal/core/user"
)

const (
	apiKeyHeader     = "X-Internal-Api-Key"
	tokenEndpoint    = "/email-verification-token"
	maxResponseBytes = 64 << 10
)

// Config は確認トークン発行サービスの接続設定です。
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client は認証バックエンドの内部 API からメールアドレス確認トークンを発行します。
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ user.VerificationIssuer = (*Client)(nil)

// NewClient は Client を生成します。hc が nil の場合は既定の http.Client を使用します。
func NewClient(cfg Config, hc *http.Client) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, httpClient: hc}
}

type issueRequest struct {
	UserUUID       string `json:"userUuid"`
	Email          string `json:"email"`
	KeycloakUserID string `json:"keycloakUserId"`
}

type issueResponse struct {
	Token string `json:"token"`
}

// IssueToken は確認トークンを発行します。失敗はすべて ErrVerificationTokenRequestFailed として返します。
func (c *Client) IssueToken(ctx context.Context, req user.VerificationRequest) (string, error) {
	body, err := json.Marshal(issueRequest{
		UserUUID:       req.UserUUID.String(),
		Email:          req.Email,
		KeycloakUserID: req.ExternalID,
	})
	if err != nil {
		return "", failed("encode request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+tokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", failed("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(apiKeyHeader, c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", failed("send request", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", failed("read body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", failed("issue token", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var decoded issueResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", failed("decode body", err)
	}
	if decoded.Token == "" {
		return "", failed("issue token", fmt.Errorf("token missing in response"))
	}

	return decoded.Token, nil
}

func failed(op string, err error) error {
	return fmt.Errorf("verification: %s: %w: %w", op, user.ErrVerificationTokenRequestFailed, err)
}
