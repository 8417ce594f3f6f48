package user

import (
	"time"

	"github.com/google/uuid"
)

// RoleUser は新規ユーザーに付与される基本ロールです。
const RoleUser = "ROLE_USER"

// User は社員アカウントの集約です。
// 状態の変更は NewUser と各遷移メソッドを通じてのみ行います。
type User struct {
	ID                int64
	UUID              uuid.UUID
	CompanyUUID       uuid.UUID
	Email             string
	EmployeeNumber    string
	FirstName         string
	LastName          string
	Roles             []string
	IsActive          bool
	IsDeleted         bool
	CreatedAt         time.Time
	UpdatedAt         *time.Time
	DeletedAt         *time.Time
	LastLoginAt       *time.Time
	LastFailedLoginAt *time.Time
	CreatedBy         string
	UpdatedBy         *string
}

// Profile は更新可能な属性の集合です。
type Profile struct {
	Email          string
	EmployeeNumber string
	FirstName      string
	LastName       string
}

// NewUser は新しい UUID を払い出し、有効状態のユーザーを構築します。ID は永続化時に採番されます。
func NewUser(companyUUID uuid.UUID, profile Profile, actor string, now time.Time) *User {
	return &User{
		UUID:           uuid.New(),
		CompanyUUID:    companyUUID,
		Email:          profile.Email,
		EmployeeNumber: profile.EmployeeNumber,
		FirstName:      profile.FirstName,
		LastName:       profile.LastName,
		Roles:          []string{RoleUser},
		IsActive:       true,
		CreatedAt:      now,
		CreatedBy:      actor,
	}
}

// ApplyProfile はプロフィール属性を更新します。
func (u *User) ApplyProfile(profile Profile, actor string, now time.Time) error {
	if u.IsDeleted {
		return ErrUserDeleted
	}
	u.Email = profile.Email
	u.EmployeeNumber = profile.EmployeeNumber
	u.FirstName = profile.FirstName
	u.LastName = profile.LastName
	u.touch(actor, now)
	return nil
}

// Activate はユーザーを有効化します。
func (u *User) Activate(actor string, now time.Time) error {
	if u.IsDeleted {
		return ErrUserDeleted
	}
	u.IsActive = true
	u.touch(actor, now)
	return nil
}

// Deactivate はユーザーを無効化します。
func (u *User) Deactivate(actor string, now time.Time) error {
	if u.IsDeleted {
		return ErrUserDeleted
	}
	u.IsActive = false
	u.touch(actor, now)
	return nil
}

// ToggleActive は有効状態を反転します。
func (u *User) ToggleActive(actor string, now time.Time) error {
	if u.IsActive {
		return u.Deactivate(actor, now)
	}
	return u.Activate(actor, now)
}

// SoftDelete はユーザーを論理削除します。公開操作では元に戻せません。
func (u *User) SoftDelete(actor string, now time.Time) error {
	if u.IsDeleted {
		return ErrUserDeleted
	}
	u.IsDeleted = true
	u.IsActive = false
	deletedAt := now
	u.DeletedAt = &deletedAt
	u.touch(actor, now)
	return nil
}

// FullName は表示用の氏名を返します。
func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}

// Clone は集約のディープコピーを返します。
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = append([]string(nil), u.Roles...)
	c.UpdatedAt = cloneTime(u.UpdatedAt)
	c.DeletedAt = cloneTime(u.DeletedAt)
	c.LastLoginAt = cloneTime(u.LastLoginAt)
	c.LastFailedLoginAt = cloneTime(u.LastFailedLoginAt)
	if u.UpdatedBy != nil {
		by := *u.UpdatedBy
		c.UpdatedBy = &by
	}
	return &c
}

func (u *User) touch(actor string, now time.Time) {
	updatedAt := now
	u.UpdatedAt = &updatedAt
	by := actor
	u.UpdatedBy = &by
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
