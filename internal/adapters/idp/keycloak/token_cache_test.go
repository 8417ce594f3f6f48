package keycloak

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubTokenSource struct {
	calls   atomic.Int32
	ttl     time.Duration
	err     error
	release chan struct{}
}

func (s *stubTokenSource) RequestToken(ctx context.Context) (Token, error) {
	n := s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	if s.err != nil {
		return Token{}, s.err
	}
	return Token{AccessToken: "tok-" + string(rune('0'+n)), ExpiresIn: s.ttl}, nil
}

func TestCachingTokenProvider_ReusesUntilExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	source := &stubTokenSource{ttl: time.Minute}
	provider := NewCachingTokenProvider(source)
	provider.now = func() time.Time { return now }

	first, err := provider.AdminToken(context.Background())
	if err != nil {
		t.Fatalf("AdminToken returned error: %v", err)
	}
	second, _ := provider.AdminToken(context.Background())
	if first != "tok-1" || second != "tok-1" || source.calls.Load() != 1 {
		t.Fatalf("expected cached token, got %s %s after %d calls", first, second, source.calls.Load())
	}

	// 有効期限からスキューを差し引いた時点で更新する
	now = now.Add(50 * time.Second)
	third, _ := provider.AdminToken(context.Background())
	if third != "tok-2" || source.calls.Load() != 2 {
		t.Fatalf("expected refreshed token, got %s after %d calls", third, source.calls.Load())
	}

	provider.Invalidate()
	fourth, _ := provider.AdminToken(context.Background())
	if fourth != "tok-3" {
		t.Fatalf("expected token fetched after invalidate, got %s", fourth)
	}
}

func TestCachingTokenProvider_ShortLivedTokenNotCached(t *testing.T) {
	t.Parallel()

	source := &stubTokenSource{ttl: 5 * time.Second}
	provider := NewCachingTokenProvider(source)

	_, _ = provider.AdminToken(context.Background())
	_, _ = provider.AdminToken(context.Background())
	if source.calls.Load() != 2 {
		t.Fatalf("expected token shorter than skew to be fetched every time, got %d calls", source.calls.Load())
	}
}

func TestCachingTokenProvider_CollapsesConcurrentRefresh(t *testing.T) {
	t.Parallel()

	source := &stubTokenSource{ttl: time.Minute, release: make(chan struct{})}
	provider := NewCachingTokenProvider(source)

	const callers = 8
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		tokens  = make([]string, callers)
	)
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			tokens[i], _ = provider.AdminToken(context.Background())
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(source.release)
	wg.Wait()

	if source.calls.Load() != 1 {
		t.Fatalf("expected a single upstream call, got %d", source.calls.Load())
	}
	for _, tok := range tokens {
		if tok != "tok-1" {
			t.Fatalf("expected all callers to share tok-1, got %v", tokens)
		}
	}
}

func TestCachingTokenProvider_PropagatesError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	provider := NewCachingTokenProvider(&stubTokenSource{err: boom})

	if _, err := provider.AdminToken(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestCachingTokenProvider_LeaderCancellationDoesNotFailWaiters(t *testing.T) {
	t.Parallel()

	source := &stubTokenSource{ttl: time.Minute, release: make(chan struct{})}
	provider := NewCachingTokenProvider(source)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := provider.AdminToken(leaderCtx)
		leaderErr <- err
	}()
	for source.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	type result struct {
		token string
		err   error
	}
	waiter := make(chan result, 1)
	go func() {
		token, err := provider.AdminToken(context.Background())
		waiter <- result{token, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected leader to observe its own cancellation, got %v", err)
	}
	close(source.release)

	got := <-waiter
	if got.err != nil || got.token != "tok-1" {
		t.Fatalf("expected waiter to receive tok-1, got %q err=%v", got.token, got.err)
	}
	if cached, _ := provider.AdminToken(context.Background()); cached != "tok-1" || source.calls.Load() != 1 {
		t.Fatalf("expected fetched token to be cached, got %s after %d calls", cached, source.calls.Load())
	}
}
