package user

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Clock は現在時刻を提供します。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

// TransactionManager はトランザクション制御の抽象化です。
type TransactionManager interface {
	WithinReadOnly(ctx context.Context, fn func(context.Context) error) error
	WithinReadWrite(ctx context.Context, fn func(context.Context) error) error
}

type noopTransactionManager struct{}

func (noopTransactionManager) WithinReadOnly(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func (noopTransactionManager) WithinReadWrite(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// AdminTokenProvider は IdP 管理 API 用のアクセストークンを提供します。
// キャッシュ付きの実装に差し替えられるよう、オーケストレータからは本インターフェースのみを参照します。
type AdminTokenProvider interface {
	AdminToken(ctx context.Context) (string, error)
}

// TokenInvalidator はキャッシュ済みの管理トークンを破棄できる AdminTokenProvider です。
type TokenInvalidator interface {
	Invalidate()
}

// RemoteIdentity は IdP 上に作成するアイデンティティの内容です。
type RemoteIdentity struct {
	Email          string
	FirstName      string
	LastName       string
	CompanyUUID    uuid.UUID
	UserUUID       uuid.UUID
	EmployeeNumber string
}

// IdentityProvider は IdP 管理 API のうち、作成フローが利用する操作です。
// 失敗時は ErrIdentityProviderUnavailable または ErrIdentityProviderResponseInvalid をラップして返します。
type IdentityProvider interface {
	CreateIdentity(ctx context.Context, token string, identity RemoteIdentity) (string, error)
	AssignClientRole(ctx context.Context, token, externalID, clientAlias, roleName string) error
}

// VerificationRequest はメールアドレス確認トークンの発行要求です。
type VerificationRequest struct {
	UserUUID   uuid.UUID
	Email      string
	ExternalID string
}

// VerificationIssuer はメールアドレス確認トークンを発行します。
type VerificationIssuer interface {
	IssueToken(ctx context.Context, req VerificationRequest) (string, error)
}

// Notifier はユーザー宛て通知を非同期配送キューへ投入します。
type Notifier interface {
	UserCreated(ctx context.Context, u *User) error
	UserUpdated(ctx context.Context, u *User) error
	ActiveChanged(ctx context.Context, u *User) error
	UserDeleted(ctx context.Context, u *User) error
	VerifyEmail(ctx context.Context, email, link string) error
}

// OutcomeRecorder は作成フローの終端状態を記録します。
type OutcomeRecorder interface {
	RecordProvisioning(stage Stage)
}

type noopRecorder struct{}

func (noopRecorder) RecordProvisioning(Stage) {}
