package user

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

type stubClock struct {
	now time.Time
}

func (s *stubClock) Now() time.Time {
	return s.now
}

type fakeRepo struct {
	mu    sync.Mutex
	users map[int64]*User
	order []int64
	seq   int64

	// skipLookups は事前チェックをすり抜ける同時作成を再現します。
	skipLookups bool
	deleteErr   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[int64]*User)}
}

func (r *fakeRepo) Create(_ context.Context, u *User) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkUniqueLocked(u); err != nil {
		return nil, err
	}
	r.seq++
	clone := u.Clone()
	clone.ID = r.seq
	r.users[clone.ID] = clone
	r.order = append(r.order, clone.ID)
	return clone.Clone(), nil
}

func (r *fakeRepo) Update(_ context.Context, u *User) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[u.ID]; !ok {
		return nil, ErrUserNotFound
	}
	if err := r.checkUniqueLocked(u); err != nil {
		return nil, err
	}
	r.users[u.ID] = u.Clone()
	return u.Clone(), nil
}

func (r *fakeRepo) checkUniqueLocked(u *User) error {
	for _, existing := range r.users {
		if existing.ID == u.ID {
			continue
		}
		if existing.Email == u.Email {
			return ErrDuplicateEmail
		}
		if existing.CompanyUUID == u.CompanyUUID && existing.EmployeeNumber == u.EmployeeNumber {
			return ErrDuplicateEmployeeNumber
		}
	}
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, ok := r.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(r.users, id)
	for i, existingID := range r.order {
		if existingID == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *fakeRepo) FindByID(_ context.Context, id int64) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.Clone(), nil
}

func (r *fakeRepo) FindByEmail(_ context.Context, email string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.skipLookups {
		return nil, ErrUserNotFound
	}
	for _, u := range r.users {
		if u.Email == email {
			return u.Clone(), nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *fakeRepo) FindByCompanyAndEmployeeNumber(_ context.Context, companyUUID uuid.UUID, number string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.skipLookups {
		return nil, ErrUserNotFound
	}
	for _, u := range r.users {
		if u.CompanyUUID == companyUUID && u.EmployeeNumber == number {
			return u.Clone(), nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *fakeRepo) List(_ context.Context, filter ListUsersFilter) ([]*User, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var filtered []*User
	for _, id := range r.order {
		u := r.users[id]
		if u.IsDeleted != filter.Deleted {
			continue
		}
		filtered = append(filtered, u.Clone())
	}

	if filter.Offset > len(filtered) {
		return []*User{}, "", nil
	}
	end := filter.Offset + filter.Limit
	if end > len(filtered) {
		end = len(filtered)
	}

	next := ""
	if end < len(filtered) {
		next = strconv.Itoa(end)
	}
	return filtered[filter.Offset:end], next, nil
}

type fakeTokens struct {
	token string
	err   error
	calls int
}

func (f *fakeTokens) AdminToken(context.Context) (string, error) {
	f.calls++
	return f.token, f.err
}

// rotatingTokens は Invalidate されるたびに次のトークンを返します。
type rotatingTokens struct {
	issued      []string
	current     int
	invalidated int
}

func (r *rotatingTokens) AdminToken(context.Context) (string, error) {
	return r.issued[r.current], nil
}

func (r *rotatingTokens) Invalidate() {
	r.invalidated++
	if r.current < len(r.issued)-1 {
		r.current++
	}
}

type roleAssignment struct {
	token, externalID, clientAlias, roleName string
}

type fakeIdentityProvider struct {
	externalID string
	createErr  error
	assignErr  error
	// rejectToken を返すトークンは 401 相当のエラーで拒否されます。
	rejectToken string

	created  []RemoteIdentity
	tokens   []string
	assigned []roleAssignment
}

func (f *fakeIdentityProvider) CreateIdentity(_ context.Context, token string, identity RemoteIdentity) (string, error) {
	f.tokens = append(f.tokens, token)
	if f.rejectToken != "" && token == f.rejectToken {
		return "", errRejectedToken
	}
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, identity)
	return f.externalID, nil
}

func (f *fakeIdentityProvider) AssignClientRole(_ context.Context, token, externalID, clientAlias, roleName string) error {
	if f.rejectToken != "" && token == f.rejectToken {
		return errRejectedToken
	}
	if f.assignErr != nil {
		return f.assignErr
	}
	f.assigned = append(f.assigned, roleAssignment{token, externalID, clientAlias, roleName})
	return nil
}

type fakeVerifier struct {
	token    string
	err      error
	requests []VerificationRequest
}

func (f *fakeVerifier) IssueToken(_ context.Context, req VerificationRequest) (string, error) {
	f.requests = append(f.requests, req)
	return f.token, f.err
}

type sentNotification struct {
	kind  string
	email string
	link  string
	user  *User
}

type fakeNotifier struct {
	sent      []sentNotification
	failKinds map[string]error
}

func (f *fakeNotifier) record(kind, email, link string, u *User) error {
	if err, ok := f.failKinds[kind]; ok {
		return err
	}
	f.sent = append(f.sent, sentNotification{kind: kind, email: email, link: link, user: u.Clone()})
	return nil
}

func (f *fakeNotifier) UserCreated(_ context.Context, u *User) error {
	return f.record("created", u.Email, "", u)
}

func (f *fakeNotifier) UserUpdated(_ context.Context, u *User) error {
	return f.record("updated", u.Email, "", u)
}

func (f *fakeNotifier) ActiveChanged(_ context.Context, u *User) error {
	return f.record("active_changed", u.Email, "", u)
}

func (f *fakeNotifier) UserDeleted(_ context.Context, u *User) error {
	return f.record("deleted", u.Email, "", u)
}

func (f *fakeNotifier) VerifyEmail(_ context.Context, email, link string) error {
	return f.record("verify", email, link, nil)
}

func (f *fakeNotifier) kinds() []string {
	kinds := make([]string, 0, len(f.sent))
	for _, n := range f.sent {
		kinds = append(kinds, n.kind)
	}
	return kinds
}

type fakeRecorder struct {
	stages []Stage
}

func (f *fakeRecorder) RecordProvisioning(stage Stage) {
	f.stages = append(f.stages, stage)
}

type harness struct {
	repo     *fakeRepo
	tokens   *fakeTokens
	idp      *fakeIdentityProvider
	verifier *fakeVerifier
	notifier *fakeNotifier
	recorder *fakeRecorder
	clock    *stubClock
	svc      *Service
}

func newHarness() *harness {
	h := &harness{
		repo:     newFakeRepo(),
		tokens:   &fakeTokens{token: "admin-token"},
		idp:      &fakeIdentityProvider{externalID: "kc-123"},
		verifier: &fakeVerifier{token: "verify+token/1"},
		notifier: &fakeNotifier{failKinds: map[string]error{}},
		recorder: &fakeRecorder{},
		clock:    &stubClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.svc = NewService(Dependencies{
		Repo:             h.repo,
		Tokens:           h.tokens,
		IdentityProvider: h.idp,
		Verification:     h.verifier,
		Notifier:         h.notifier,
		Clock:            h.clock,
		Recorder:         h.recorder,
	}, Config{VerifyLinkBase: "http://localhost:8081/api/auth/verify-email"})
	return h
}

var (
	errTransport     = errors.New("dial tcp 10.0.0.1:8080: connect: connection refused")
	errRejectedToken = fmt.Errorf("create_identity: %w: %w", ErrIdentityProviderResponseInvalid, ErrIdentityProviderTokenRejected)
)
