package user

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	defaultListPageSize = 50
	maxListPageSize     = 200

	maxEmailLength          = 100
	maxNameLength           = 255
	maxEmployeeNumberLength = 50

	defaultClientAlias         = "sandbox"
	defaultCompensationTimeout = 10 * time.Second
)

// Config はオーケストレータの動作設定です。
type Config struct {
	// DefaultClientAlias と DefaultRoleName は作成したアイデンティティへ付与するクライアントロールです。
	DefaultClientAlias string
	DefaultRoleName    string
	// VerifyLinkBase はメールアドレス確認リンクのベース URL です。token クエリが付与されます。
	VerifyLinkBase      string
	CompensationTimeout time.Duration
}

// Dependencies はオーケストレータが利用する外部協調者です。
type Dependencies struct {
	Repo             Repository
	Tx               TransactionManager
	Tokens           AdminTokenProvider
	IdentityProvider IdentityProvider
	Verification     VerificationIssuer
	Notifier         Notifier
	Clock            Clock
	Recorder         OutcomeRecorder
	Logger           *slog.Logger
}

// Service は社員アカウントのプロビジョニングを統括します。
type Service struct {
	repo     Repository
	tx       TransactionManager
	tokens   AdminTokenProvider
	idp      IdentityProvider
	verifier VerificationIssuer
	notifier Notifier
	clock    Clock
	recorder OutcomeRecorder
	logger   *slog.Logger
	cfg      Config
}

// UseCase はユーザー管理ユースケースの公開インターフェースです。
type UseCase interface {
	CreateUser(ctx context.Context, in CreateUserInput, actor string) (*User, error)
	UpdateUser(ctx context.Context, in UpdateUserInput, actor string) (*User, error)
	ToggleActive(ctx context.Context, id int64, actor string) (*User, error)
	DeleteUser(ctx context.Context, id int64, actor string) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	ListActiveUsers(ctx context.Context, in ListUsersInput) (*ListUsersResult, error)
	ListDeletedUsers(ctx context.Context, in ListUsersInput) (*ListUsersResult, error)
}

var _ UseCase = (*Service)(nil)

// NewService は Service を生成します。
func NewService(deps Dependencies, cfg Config) *Service {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Tx == nil {
		deps.Tx = noopTransactionManager{}
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DefaultClientAlias == "" {
		cfg.DefaultClientAlias = defaultClientAlias
	}
	if cfg.DefaultRoleName == "" {
		cfg.DefaultRoleName = RoleUser
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = defaultCompensationTimeout
	}

	return &Service{
		repo:     deps.Repo,
		tx:       deps.Tx,
		tokens:   deps.Tokens,
		idp:      deps.IdentityProvider,
		verifier: deps.Verification,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		recorder: deps.Recorder,
		logger:   deps.Logger.With("component", "user.service"),
		cfg:      cfg,
	}
}

// CreateUserInput はユーザー作成時の入力です。
type CreateUserInput struct {
	CompanyUUID    string
	Email          string
	FirstName      string
	LastName       string
	EmployeeNumber string
}

// UpdateUserInput はユーザー更新時の入力です。所属会社は変更できません。
type UpdateUserInput struct {
	ID             int64
	Email          string
	FirstName      string
	LastName       string
	EmployeeNumber string
}

// ListUsersInput は一覧取得時の入力です。
type ListUsersInput struct {
	PageSize  int
	PageToken string
}

// ListUsersResult は一覧取得結果を表します。
type ListUsersResult struct {
	Users         []*User
	NextPageToken string
}

// UpdateUser はプロフィールを更新します。IdP 側のアイデンティティは同期しません。
func (s *Service) UpdateUser(ctx context.Context, in UpdateUserInput, actor string) (*User, error) {
	actor, err := normalizeActor(actor)
	if err != nil {
		return nil, err
	}
	if err := validateID(in.ID); err != nil {
		return nil, err
	}
	profile, err := normalizeProfile(in.Email, in.FirstName, in.LastName, in.EmployeeNumber)
	if err != nil {
		return nil, err
	}

	var updated *User
	if err := s.tx.WithinReadWrite(ctx, func(txCtx context.Context) error {
		existing, err := s.repo.FindByID(txCtx, in.ID)
		if err != nil {
			return err
		}
		if existing.IsDeleted {
			return ErrUserDeleted
		}

		if err := s.ensureEmailAvailable(txCtx, profile.Email, existing.ID); err != nil {
			return err
		}
		if err := s.ensureEmployeeNumberAvailable(txCtx, existing.CompanyUUID, profile.EmployeeNumber, existing.ID); err != nil {
			return err
		}

		if err := existing.ApplyProfile(profile, actor, s.clock.Now()); err != nil {
			return err
		}

		result, err := s.repo.Update(txCtx, existing)
		if err != nil {
			return err
		}
		updated = result
		return nil
	}); err != nil {
		return nil, err
	}

	s.notify(ctx, "updated", updated, s.notifier.UserUpdated)
	return updated, nil
}

// ToggleActive は有効状態を反転し、変更通知を送信します。
func (s *Service) ToggleActive(ctx context.Context, id int64, actor string) (*User, error) {
	return s.transition(ctx, id, actor, "active_changed", (*User).ToggleActive, s.notifier.ActiveChanged)
}

// DeleteUser はユーザーを論理削除し、削除通知を送信します。
func (s *Service) DeleteUser(ctx context.Context, id int64, actor string) (*User, error) {
	return s.transition(ctx, id, actor, "deleted", (*User).SoftDelete, s.notifier.UserDeleted)
}

func (s *Service) transition(
	ctx context.Context,
	id int64,
	actor string,
	kind string,
	apply func(*User, string, time.Time) error,
	send func(context.Context, *User) error,
) (*User, error) {
	actor, err := normalizeActor(actor)
	if err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	var updated *User
	if err := s.tx.WithinReadWrite(ctx, func(txCtx context.Context) error {
		existing, err := s.repo.FindByID(txCtx, id)
		if err != nil {
			return err
		}
		if err := apply(existing, actor, s.clock.Now()); err != nil {
			return err
		}
		result, err := s.repo.Update(txCtx, existing)
		if err != nil {
			return err
		}
		updated = result
		return nil
	}); err != nil {
		return nil, err
	}

	s.notify(ctx, kind, updated, send)
	return updated, nil
}

// GetUser は ID でユーザーを取得します。
func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	var result *User
	if err := s.tx.WithinReadOnly(ctx, func(txCtx context.Context) error {
		found, err := s.repo.FindByID(txCtx, id)
		if err != nil {
			return err
		}
		result = found
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// ListActiveUsers は論理削除されていないユーザーの一覧を取得します。無効化済みのユーザーも含みます。
func (s *Service) ListActiveUsers(ctx context.Context, in ListUsersInput) (*ListUsersResult, error) {
	return s.list(ctx, in, false)
}

// ListDeletedUsers は論理削除済みユーザーの一覧を取得します。
func (s *Service) ListDeletedUsers(ctx context.Context, in ListUsersInput) (*ListUsersResult, error) {
	return s.list(ctx, in, true)
}

func (s *Service) list(ctx context.Context, in ListUsersInput, deleted bool) (*ListUsersResult, error) {
	limit, err := normalizePageSize(in.PageSize)
	if err != nil {
		return nil, err
	}

	offset, err := parsePageToken(in.PageToken)
	if err != nil {
		return nil, err
	}

	var (
		users     []*User
		nextToken string
	)
	if err := s.tx.WithinReadOnly(ctx, func(txCtx context.Context) error {
		result, token, err := s.repo.List(txCtx, ListUsersFilter{
			Deleted: deleted,
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			return err
		}
		users = result
		nextToken = token
		return nil
	}); err != nil {
		return nil, err
	}

	return &ListUsersResult{Users: users, NextPageToken: nextToken}, nil
}

// ensureEmailAvailable は excludeID 以外のアカウントがメールアドレスを保持していないことを確認します。
func (s *Service) ensureEmailAvailable(ctx context.Context, email string, excludeID int64) error {
	found, err := s.repo.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return err
	}
	if found != nil && found.ID != excludeID {
		return ErrDuplicateEmail
	}
	return nil
}

func (s *Service) ensureEmployeeNumberAvailable(ctx context.Context, companyUUID uuid.UUID, number string, excludeID int64) error {
	found, err := s.repo.FindByCompanyAndEmployeeNumber(ctx, companyUUID, number)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return err
	}
	if found != nil && found.ID != excludeID {
		return ErrDuplicateEmployeeNumber
	}
	return nil
}

// notify は通知を投入します。失敗しても呼び出し元の処理は取り消しません。
func (s *Service) notify(ctx context.Context, kind string, u *User, send func(context.Context, *User) error) {
	if err := send(ctx, u); err != nil {
		s.logger.WarnContext(ctx, "notification dispatch failed",
			"kind", kind,
			"user_id", u.ID,
			"error", err,
		)
	}
}

func normalizeProfile(email, firstName, lastName, employeeNumber string) (Profile, error) {
	normalizedEmail, err := normalizeEmail(email)
	if err != nil {
		return Profile{}, err
	}

	first, err := normalizeName(firstName, ErrInvalidFirstName)
	if err != nil {
		return Profile{}, err
	}

	last, err := normalizeName(lastName, ErrInvalidLastName)
	if err != nil {
		return Profile{}, err
	}

	number := strings.TrimSpace(employeeNumber)
	if number == "" || utf8.RuneCountInString(number) > maxEmployeeNumberLength {
		return Profile{}, invalid(ErrInvalidEmployeeNumber)
	}

	return Profile{
		Email:          normalizedEmail,
		EmployeeNumber: number,
		FirstName:      first,
		LastName:       last,
	}, nil
}

func normalizeEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || len(trimmed) > maxEmailLength {
		return "", invalid(ErrInvalidEmail)
	}

	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", invalid(ErrInvalidEmail)
	}

	return strings.ToLower(addr.Address), nil
}

func normalizeName(raw string, field error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > maxNameLength {
		return "", invalid(field)
	}
	return trimmed, nil
}

func parseCompanyUUID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, invalid(ErrInvalidCompanyUUID)
	}
	return id, nil
}

func normalizeActor(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", invalid(ErrInvalidActor)
	}
	return trimmed, nil
}

func validateID(id int64) error {
	if id <= 0 {
		return invalid(ErrInvalidID)
	}
	return nil
}

func normalizePageSize(pageSize int) (int, error) {
	if pageSize <= 0 {
		return defaultListPageSize, nil
	}
	if pageSize > maxListPageSize {
		return 0, invalid(ErrInvalidPageSize)
	}
	return pageSize, nil
}

func parsePageToken(token string) (int, error) {
	if strings.TrimSpace(token) == "" {
		return 0, nil
	}

	offset, err := strconv.Atoi(token)
	if err != nil || offset < 0 {
		return 0, invalid(ErrInvalidPageToken)
	}

	return offset, nil
}
