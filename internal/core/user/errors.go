package user

import (
	"errors"
	"fmt"
)

var (
	// ErrValidationFailed は入力値の検証に失敗した場合に返却されます。個別の項目エラーと併せて返します。
	ErrValidationFailed = errors.New("user: validation failed")
	ErrInvalidID        = errors.New("user: invalid id")
	ErrInvalidEmail     = errors.New("user: invalid email")
	ErrInvalidFirstName = errors.New("user: invalid first name")
	ErrInvalidLastName  = errors.New("user: invalid last name")
	// ErrInvalidEmployeeNumber は社員番号が空または長すぎる場合に返却されます。
	ErrInvalidEmployeeNumber = errors.New("user: invalid employee number")
	ErrInvalidCompanyUUID    = errors.New("user: invalid company uuid")
	ErrInvalidActor          = errors.New("user: invalid actor")
	ErrInvalidPageSize       = errors.New("user: invalid page size")
	ErrInvalidPageToken      = errors.New("user: invalid page token")

	// ErrUserNotFound はユーザーが存在しない場合に返却されます。
	ErrUserNotFound = errors.New("user: not found")
	// ErrUserDeleted は論理削除済みユーザーへの変更操作で返却されます。
	ErrUserDeleted = errors.New("user: already deleted")
	// ErrDuplicateEmail はメールアドレスが他のアカウントで使用済みの場合に返却されます。
	ErrDuplicateEmail = errors.New("user: email already exists")
	// ErrDuplicateEmployeeNumber は同一会社内で社員番号が重複する場合に返却されます。
	ErrDuplicateEmployeeNumber = errors.New("user: employee number already exists")

	// ErrIdentityProviderUnavailable は IdP への通信失敗・タイムアウトを表します。
	ErrIdentityProviderUnavailable = errors.New("user: identity provider unavailable")
	// ErrIdentityProviderResponseInvalid は IdP の応答に必要な項目が無い場合を表します。
	ErrIdentityProviderResponseInvalid = errors.New("user: identity provider response invalid")
	// ErrIdentityProviderTokenRejected は IdP が管理トークンを拒否した (401) 場合を表します。
	// ErrIdentityProviderResponseInvalid と併せてラップされます。
	ErrIdentityProviderTokenRejected = errors.New("user: identity provider rejected admin token")
	ErrVerificationTokenRequestFailed  = errors.New("user: verification token request failed")
	ErrNotificationFailed              = errors.New("user: notification dispatch failed")
	// ErrProvisioningFailed は IdP 段階の失敗で補償処理が実行された後に返却されます。
	ErrProvisioningFailed = errors.New("user: provisioning failed")
)

// Stage は作成フローの進行状態です。
type Stage string

const (
	StageValidating            Stage = "validating"
	StageLocalPersisted        Stage = "local_persisted"
	StageRemoteIdentityCreated Stage = "remote_identity_created"
	StageRoleAssigned          Stage = "role_assigned"
	StageNotificationSent      Stage = "notification_sent"
	StageVerificationRequested Stage = "verification_requested"
	StageCompleted             Stage = "completed"
	StageRolledBack            Stage = "rolled_back"
	StageCompletedWithWarning  Stage = "completed_with_warning"
)

// ProvisioningError は作成フローが外部呼び出しの段階で失敗したことを表します。
// Stage が StageRolledBack の場合ローカルのレコードは削除済み、
// StageCompletedWithWarning の場合アカウントは作成済みで利用可能です。
type ProvisioningError struct {
	Stage  Stage
	UserID int64
	Err    error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("user: provisioning %s (user id %d): %v", e.Stage, e.UserID, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

func invalid(field error) error {
	return fmt.Errorf("%w: %w", ErrValidationFailed, field)
}
