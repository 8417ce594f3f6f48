package user

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// CreateUser はローカルにアカウントを作成し、IdP へアイデンティティを作成してロールを付与します。
//
// IdP 段階で失敗した場合はローカルのレコードを削除（補償）し、ErrProvisioningFailed を含む
// *ProvisioningError を返します。メールアドレス確認トークンの発行または確認メールの投入に
// 失敗した場合は補償を行わず、作成済みのユーザーと StageCompletedWithWarning のエラーを両方返します。
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput, actor string) (*User, error) {
	actor, companyUUID, profile, err := validateCreate(in, actor)
	if err != nil {
		s.logger.DebugContext(ctx, "create request rejected", "stage", StageValidating, "error", err)
		return nil, err
	}

	var created *User
	if err := s.tx.WithinReadWrite(ctx, func(txCtx context.Context) error {
		if err := s.ensureEmailAvailable(txCtx, profile.Email, 0); err != nil {
			return err
		}
		if err := s.ensureEmployeeNumberAvailable(txCtx, companyUUID, profile.EmployeeNumber, 0); err != nil {
			return err
		}

		result, err := s.repo.Create(txCtx, NewUser(companyUUID, profile, actor, s.clock.Now()))
		if err != nil {
			return err
		}
		created = result
		return nil
	}); err != nil {
		return nil, err
	}

	log := s.logger.With("user_id", created.ID, "user_uuid", created.UUID.String())
	log.DebugContext(ctx, "local user persisted", "stage", StageLocalPersisted)

	externalID, reached, err := s.provisionRemoteIdentity(ctx, created)
	if err != nil {
		log.WarnContext(ctx, "identity provider step failed, compensating", "stage", reached, "error", err)
		return nil, s.rollBack(ctx, created, err)
	}
	log.DebugContext(ctx, "remote identity provisioned", "stage", reached, "external_id", externalID)

	s.notify(ctx, "created", created, s.notifier.UserCreated)
	log.DebugContext(ctx, "created notification handed off", "stage", StageNotificationSent)

	if err := s.requestVerification(ctx, created, externalID); err != nil {
		log.ErrorContext(ctx, "email verification step failed, account kept", "stage", StageCompletedWithWarning, "error", err)
		s.recorder.RecordProvisioning(StageCompletedWithWarning)
		return created, &ProvisioningError{Stage: StageCompletedWithWarning, UserID: created.ID, Err: err}
	}

	log.DebugContext(ctx, "verification mail queued", "stage", StageVerificationRequested)
	s.recorder.RecordProvisioning(StageCompleted)
	log.InfoContext(ctx, "user provisioned", "stage", StageCompleted)
	return created, nil
}

func validateCreate(in CreateUserInput, rawActor string) (string, uuid.UUID, Profile, error) {
	actor, err := normalizeActor(rawActor)
	if err != nil {
		return "", uuid.Nil, Profile{}, err
	}
	companyUUID, err := parseCompanyUUID(in.CompanyUUID)
	if err != nil {
		return "", uuid.Nil, Profile{}, err
	}
	profile, err := normalizeProfile(in.Email, in.FirstName, in.LastName, in.EmployeeNumber)
	if err != nil {
		return "", uuid.Nil, Profile{}, err
	}
	return actor, companyUUID, profile, nil
}

// provisionRemoteIdentity は管理トークンの取得、アイデンティティ作成、既定ロール付与を順に行います。
// 戻り値の Stage は最後に到達した状態です。
func (s *Service) provisionRemoteIdentity(ctx context.Context, u *User) (string, Stage, error) {
	token, err := s.tokens.AdminToken(ctx)
	if err != nil {
		return "", StageLocalPersisted, identityProviderError("obtain admin token", err)
	}

	identity := RemoteIdentity{
		Email:          u.Email,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		CompanyUUID:    u.CompanyUUID,
		UserUUID:       u.UUID,
		EmployeeNumber: u.EmployeeNumber,
	}
	externalID, err := s.idp.CreateIdentity(ctx, token, identity)
	if s.renewRejectedToken(ctx, err, &token) {
		externalID, err = s.idp.CreateIdentity(ctx, token, identity)
	}
	if err != nil {
		return "", StageLocalPersisted, identityProviderError("create identity", err)
	}
	if strings.TrimSpace(externalID) == "" {
		return "", StageLocalPersisted, fmt.Errorf("create identity: %w", ErrIdentityProviderResponseInvalid)
	}

	err = s.idp.AssignClientRole(ctx, token, externalID, s.cfg.DefaultClientAlias, s.cfg.DefaultRoleName)
	if s.renewRejectedToken(ctx, err, &token) {
		err = s.idp.AssignClientRole(ctx, token, externalID, s.cfg.DefaultClientAlias, s.cfg.DefaultRoleName)
	}
	if err != nil {
		return externalID, StageRemoteIdentityCreated, identityProviderError("assign role", err)
	}

	return externalID, StageRoleAssigned, nil
}

// renewRejectedToken は IdP がキャッシュ済みトークンを拒否した場合に破棄して取得し直します。
// 新しいトークンを取得できた場合のみ true を返し、呼び出し元は 1 回だけ再実行します。
func (s *Service) renewRejectedToken(ctx context.Context, err error, token *string) bool {
	if !errors.Is(err, ErrIdentityProviderTokenRejected) {
		return false
	}
	invalidator, ok := s.tokens.(TokenInvalidator)
	if !ok {
		return false
	}
	invalidator.Invalidate()

	fresh, tokenErr := s.tokens.AdminToken(ctx)
	if tokenErr != nil {
		s.logger.WarnContext(ctx, "admin token renewal failed", "error", tokenErr)
		return false
	}
	*token = fresh
	return true
}

// rollBack は補償処理を実行し、呼び出し元へ返すエラーを組み立てます。
func (s *Service) rollBack(ctx context.Context, u *User, cause error) error {
	s.recorder.RecordProvisioning(StageRolledBack)

	failure := fmt.Errorf("%w: %w", ErrProvisioningFailed, cause)
	if compErr := s.compensate(ctx, u); compErr != nil {
		s.logger.ErrorContext(ctx, "compensation failed, local user left behind",
			"user_id", u.ID,
			"error", compErr,
		)
		failure = errors.Join(failure, compErr)
	}

	return &ProvisioningError{Stage: StageRolledBack, UserID: u.ID, Err: failure}
}

// compensate は IdP 側の作成に失敗したユーザーのローカルレコードを削除します。
// 呼び出し元のキャンセルやデッドライン超過の影響を受けないよう、独立したタイムアウトで実行します。
func (s *Service) compensate(ctx context.Context, u *User) error {
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CompensationTimeout)
	defer cancel()

	if err := s.repo.Delete(compCtx, u.ID); err != nil && !errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("compensate user %d: %w", u.ID, err)
	}
	return nil
}

// requestVerification は確認トークンを発行し、確認リンクを含むメールを投入します。
func (s *Service) requestVerification(ctx context.Context, u *User, externalID string) error {
	token, err := s.verifier.IssueToken(ctx, VerificationRequest{
		UserUUID:   u.UUID,
		Email:      u.Email,
		ExternalID: externalID,
	})
	if err != nil {
		return classify(err, ErrVerificationTokenRequestFailed, "issue verification token")
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("issue verification token: empty token: %w", ErrVerificationTokenRequestFailed)
	}

	link, err := verificationLink(s.cfg.VerifyLinkBase, token)
	if err != nil {
		return fmt.Errorf("build verification link: %w: %w", ErrVerificationTokenRequestFailed, err)
	}

	if err := s.notifier.VerifyEmail(ctx, u.Email, link); err != nil {
		return classify(err, ErrNotificationFailed, "dispatch verification mail")
	}
	return nil
}

func verificationLink(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// identityProviderError は IdP 段階のエラーが分類済みでなければ通信障害として扱います。
func identityProviderError(op string, err error) error {
	if errors.Is(err, ErrIdentityProviderResponseInvalid) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return classify(err, ErrIdentityProviderUnavailable, op)
}

func classify(err, kind error, op string) error {
	if errors.Is(err, kind) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}
