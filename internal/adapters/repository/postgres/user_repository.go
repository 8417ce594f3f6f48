package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ogurasousui/staff-provisioning/internal/core/user"
	pgdb "github.com/ogurasousui/staff-provisioning/internal/platform/db/postgres"
)

const (
	uniqueViolationCode = "23505"

	usersEmailConstraint          = "users_email_key"
	usersEmployeeNumberConstraint = "users_company_employee_number_key"
)

const userColumns = `id, uuid, company_uuid, email, employee_number, first_name, last_name, roles,
               is_active, is_deleted, created_at, updated_at, deleted_at, last_login_at,
               last_failed_login_at, created_by, updated_by`

// UserRepository は PostgreSQL を利用したユーザー永続化の実装です。
type UserRepository struct {
	pool pgdb.Queryer
}

// NewUserRepository は UserRepository を生成します。
func NewUserRepository(pool pgdb.Queryer) *UserRepository {
	return &UserRepository{pool: pool}
}

var _ user.Repository = (*UserRepository)(nil)

// Create はユーザーを新規作成します。ID はストアが採番します。
func (r *UserRepository) Create(ctx context.Context, u *user.User) (*user.User, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `
        INSERT INTO users (uuid, company_uuid, email, employee_number, first_name, last_name, roles,
                           is_active, is_deleted, created_at, created_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING `+userColumns,
		u.UUID, u.CompanyUUID, u.Email, u.EmployeeNumber, u.FirstName, u.LastName, u.Roles,
		u.IsActive, u.IsDeleted, u.CreatedAt, u.CreatedBy)

	created, err := scanUser(row)
	if err != nil {
		return nil, translatePgError(err)
	}
	return created, nil
}

// Update はプロフィール、有効状態、論理削除状態と監査項目を更新します。
func (r *UserRepository) Update(ctx context.Context, u *user.User) (*user.User, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `
        UPDATE users
           SET email = $1,
               employee_number = $2,
               first_name = $3,
               last_name = $4,
               roles = $5,
               is_active = $6,
               is_deleted = $7,
               updated_at = $8,
               deleted_at = $9,
               updated_by = $10
         WHERE id = $11
        RETURNING `+userColumns,
		u.Email, u.EmployeeNumber, u.FirstName, u.LastName, u.Roles,
		u.IsActive, u.IsDeleted, nullableTime(u.UpdatedAt), nullableTime(u.DeletedAt), nullableString(u.UpdatedBy), u.ID)

	updated, err := scanUser(row)
	if err != nil {
		return nil, translatePgError(err)
	}
	return updated, nil
}

// Delete はユーザーを物理削除します。作成フローの補償処理からのみ利用されます。
func (r *UserRepository) Delete(ctx context.Context, id int64) error {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	tag, err := exec.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return translatePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return user.ErrUserNotFound
	}
	return nil
}

// FindByID は ID でユーザーを取得します。論理削除済みのユーザーも返します。
func (r *UserRepository) FindByID(ctx context.Context, id int64) (*user.User, error) {
	return r.findOne(ctx, `WHERE id = $1`, id)
}

// FindByEmail はメールアドレスでユーザーを取得します。
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*user.User, error) {
	return r.findOne(ctx, `WHERE email = $1`, email)
}

// FindByCompanyAndEmployeeNumber は会社内の社員番号でユーザーを取得します。
func (r *UserRepository) FindByCompanyAndEmployeeNumber(ctx context.Context, companyUUID uuid.UUID, employeeNumber string) (*user.User, error) {
	return r.findOne(ctx, `WHERE company_uuid = $1 AND employee_number = $2`, companyUUID, employeeNumber)
}

func (r *UserRepository) findOne(ctx context.Context, where string, args ...any) (*user.User, error) {
	exec := pgdb.QueryerFromContext(ctx, r.pool)
	row := exec.QueryRow(ctx, `
        SELECT `+userColumns+`
          FROM users
         `+where+`
         LIMIT 1
    `, args...)

	found, err := scanUser(row)
	if err != nil {
		return nil, translatePgError(err)
	}
	return found, nil
}

// List は論理削除状態で絞り込んだユーザー一覧を作成日時の昇順で取得します。
func (r *UserRepository) List(ctx context.Context, filter user.ListUsersFilter) ([]*user.User, string, error) {
	if filter.Limit <= 0 {
		return nil, "", user.ErrInvalidPageSize
	}
	if filter.Offset < 0 {
		return nil, "", user.ErrInvalidPageToken
	}

	exec := pgdb.QueryerFromContext(ctx, r.pool)
	rows, err := exec.Query(ctx, `
        SELECT `+userColumns+`
          FROM users
         WHERE is_deleted = $1
         ORDER BY created_at ASC, id ASC
         LIMIT $2
        OFFSET $3
    `, filter.Deleted, filter.Limit+1, filter.Offset)
	if err != nil {
		return nil, "", translatePgError(err)
	}
	defer rows.Close()

	users := make([]*user.User, 0, filter.Limit)
	for rows.Next() {
		found, err := scanUser(rows)
		if err != nil {
			return nil, "", translatePgError(err)
		}
		users = append(users, found)
	}

	if err := rows.Err(); err != nil {
		return nil, "", translatePgError(err)
	}

	var nextToken string
	if len(users) > filter.Limit {
		nextToken = strconv.Itoa(filter.Offset + filter.Limit)
		users = users[:filter.Limit]
	}

	return users, nextToken, nil
}

func scanUser(row pgx.Row) (*user.User, error) {
	var (
		u                 user.User
		updatedAt         sql.NullTime
		deletedAt         sql.NullTime
		lastLoginAt       sql.NullTime
		lastFailedLoginAt sql.NullTime
		updatedBy         sql.NullString
	)

	if err := row.Scan(
		&u.ID,
		&u.UUID,
		&u.CompanyUUID,
		&u.Email,
		&u.EmployeeNumber,
		&u.FirstName,
		&u.LastName,
		&u.Roles,
		&u.IsActive,
		&u.IsDeleted,
		&u.CreatedAt,
		&updatedAt,
		&deletedAt,
		&lastLoginAt,
		&lastFailedLoginAt,
		&u.CreatedBy,
		&updatedBy,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, user.ErrUserNotFound
		}
		return nil, err
	}

	u.UpdatedAt = timePtr(updatedAt)
	u.DeletedAt = timePtr(deletedAt)
	u.LastLoginAt = timePtr(lastLoginAt)
	u.LastFailedLoginAt = timePtr(lastFailedLoginAt)
	if updatedBy.Valid {
		by := updatedBy.String
		u.UpdatedBy = &by
	}

	return &u, nil
}

// translatePgError は一意制約違反を制約名からドメインエラーへ変換します。
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		switch pgErr.ConstraintName {
		case usersEmailConstraint:
			return user.ErrDuplicateEmail
		case usersEmployeeNumberConstraint:
			return user.ErrDuplicateEmployeeNumber
		}
	}
	return err
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
