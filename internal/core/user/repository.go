package user

import (
	"context"

	"github.com/google/uuid"
)

// Repository はユーザー集約の永続化を行うインターフェースです。
// 一意制約（メールアドレス、会社内の社員番号）の最終的な保証はストア側が行い、
// 違反時は ErrDuplicateEmail / ErrDuplicateEmployeeNumber を返します。
type Repository interface {
	Create(ctx context.Context, user *User) (*User, error)
	Update(ctx context.Context, user *User) (*User, error)
	Delete(ctx context.Context, id int64) error
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByCompanyAndEmployeeNumber(ctx context.Context, companyUUID uuid.UUID, employeeNumber string) (*User, error)
	List(ctx context.Context, filter ListUsersFilter) ([]*User, string, error)
}

// ListUsersFilter は一覧取得用フィルタです。
type ListUsersFilter struct {
	Deleted bool
	Limit   int
	Offset  int
}
