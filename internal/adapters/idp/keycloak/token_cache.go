package keycloak

import (
	"context"
	"sync"
	"time"

	"github.com/ogurasousui/staff-provisioning/internal/core/user"
	"golang.org/x/sync/singleflight"
)

const (
	defaultExpirySkew   = 10 * time.Second
	defaultFetchTimeout = 15 * time.Second
)

// TokenSource は有効期間付きの管理トークンを取得します。
type TokenSource interface {
	RequestToken(ctx context.Context) (Token, error)
}

// CachingTokenProvider は管理トークンを有効期限まで再利用します。
// 期限切れ時の同時取得は singleflight で 1 回の呼び出しにまとめます。
type CachingTokenProvider struct {
	source TokenSource
	skew         time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

var (
	_ user.AdminTokenProvider = (*CachingTokenProvider)(nil)
	_ user.TokenInvalidator   = (*CachingTokenProvider)(nil)
)

// NewCachingTokenProvider は CachingTokenProvider を生成します。
func NewCachingTokenProvider(source TokenSource) *CachingTokenProvider {
	return &CachingTokenProvider{
		source:       source,
		skew:         defaultExpirySkew,
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
	}
}

// AdminToken はキャッシュ済みトークンを返し、期限切れなら取得し直します。
// 取得は呼び出し元のキャンセルから切り離して行うため、先行した呼び出しが中断されても
// 待機中の呼び出しは取得結果を受け取れます。
func (p *CachingTokenProvider) AdminToken(ctx context.Context) (string, error) {
	if token, ok := p.cached(); ok {
		return token, nil
	}

	results := p.group.DoChan("admin_token", func() (any, error) {
		if token, ok := p.cached(); ok {
			return token, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fetchTimeout)
		defer cancel()

		fetched, err := p.source.RequestToken(fetchCtx)
		if err != nil {
			return "", err
		}
		p.store(fetched)
		return fetched.AccessToken, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate はキャッシュ済みトークンを破棄します。
func (p *CachingTokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.token = ""
	p.expiresAt = time.Time{}
}

func (p *CachingTokenProvider) cached() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == "" || !p.now().Before(p.expiresAt) {
		return "", false
	}
	return p.token, true
}

func (p *CachingTokenProvider) store(t Token) {
	ttl := t.ExpiresIn - p.skew
	if ttl <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.token = t.AccessToken
	p.expiresAt = p.now().Add(ttl)
}
