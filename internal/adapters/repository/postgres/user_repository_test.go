package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ogurasousui/staff-provisioning/internal/core/user"
	pgdb "github.com/ogurasousui/staff-provisioning/internal/platform/db/postgres"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

type stubRow struct {
	scanFn func(dest ...interface{}) error
}

func (s stubRow) Scan(dest ...interface{}) error {
	return s.scanFn(dest...)
}

var userColumnNames = []string{
	"id", "uuid", "company_uuid", "email", "employee_number", "first_name", "last_name", "roles",
	"is_active", "is_deleted", "created_at", "updated_at", "deleted_at", "last_login_at",
	"last_failed_login_at", "created_by", "updated_by",
}

const (
	testUserUUID    = "0b7c7f0e-3c9a-4f0e-8a44-5b1d2c3e4f50"
	testCompanyUUID = "6f1c2a3e-0d7b-4c55-9a8e-1f2b3c4d5e6f"
)

func userRow(rows *pgxmock.Rows, id int64, email string, createdAt time.Time) *pgxmock.Rows {
	return rows.AddRow(
		id, testUserUUID, testCompanyUUID, email, "E1", "Anna", "Nowak", []string{user.RoleUser},
		true, false, createdAt, nil, nil, nil,
		nil, "admin", nil,
	)
}

func TestScanUser_Success(t *testing.T) {
	t.Parallel()

	createdAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	deletedAt := createdAt.Add(time.Hour)

	row := stubRow{scanFn: func(dest ...interface{}) error {
		if len(dest) != len(userColumnNames) {
			return errors.New("unexpected dest length")
		}
		*(dest[0].(*int64)) = 7
		*(dest[1].(*uuid.UUID)) = uuid.MustParse(testUserUUID)
		*(dest[2].(*uuid.UUID)) = uuid.MustParse(testCompanyUUID)
		*(dest[3].(*string)) = "a@x.com"
		*(dest[4].(*string)) = "E1"
		*(dest[5].(*string)) = "Anna"
		*(dest[6].(*string)) = "Nowak"
		*(dest[7].(*[]string)) = []string{user.RoleUser}
		*(dest[8].(*bool)) = false
		*(dest[9].(*bool)) = true
		*(dest[10].(*time.Time)) = createdAt
		*(dest[11].(*sql.NullTime)) = sql.NullTime{Time: deletedAt, Valid: true}
		*(dest[12].(*sql.NullTime)) = sql.NullTime{Time: deletedAt, Valid: true}
		*(dest[15].(*string)) = "admin"
		*(dest[16].(*sql.NullString)) = sql.NullString{String: "admin-2", Valid: true}
		return nil
	}}

	u, err := scanUser(row)
	if err != nil {
		t.Fatalf("scanUser returned error: %v", err)
	}

	if u.ID != 7 || u.Email != "a@x.com" || u.UUID.String() != testUserUUID {
		t.Fatalf("unexpected user %+v", u)
	}
	if !u.IsDeleted || u.DeletedAt == nil || !u.DeletedAt.Equal(deletedAt) {
		t.Fatalf("expected soft-delete state, got %+v", u)
	}
	if u.UpdatedBy == nil || *u.UpdatedBy != "admin-2" {
		t.Fatalf("expected updated_by admin-2, got %v", u.UpdatedBy)
	}
	if u.LastLoginAt != nil || u.LastFailedLoginAt != nil {
		t.Fatalf("expected login timestamps to be nil")
	}
}

func TestScanUser_NoRows(t *testing.T) {
	t.Parallel()

	row := stubRow{scanFn: func(dest ...interface{}) error {
		return pgx.ErrNoRows
	}}

	_, err := scanUser(row)
	if !errors.Is(err, user.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestTranslatePgError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"email", &pgconn.PgError{Code: uniqueViolationCode, ConstraintName: usersEmailConstraint}, user.ErrDuplicateEmail},
		{"employee number", &pgconn.PgError{Code: uniqueViolationCode, ConstraintName: usersEmployeeNumberConstraint}, user.ErrDuplicateEmployeeNumber},
	}
	for _, tc := range cases {
		if !errors.Is(translatePgError(tc.err), tc.want) {
			t.Fatalf("%s: expected %v", tc.name, tc.want)
		}
	}

	uuidConflict := &pgconn.PgError{Code: uniqueViolationCode, ConstraintName: "users_uuid_key"}
	if translatePgError(uuidConflict) != error(uuidConflict) {
		t.Fatalf("unexpected translation for unrelated constraint")
	}

	otherErr := errors.New("random")
	if translatePgError(otherErr) != otherErr {
		t.Fatalf("unexpected translation for generic error")
	}
}

func TestUserRepository_Create(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewUserRepository(mock)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	u := user.NewUser(uuid.MustParse(testCompanyUUID), user.Profile{
		Email: "a@x.com", EmployeeNumber: "E1", FirstName: "Anna", LastName: "Nowak",
	}, "admin", now)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs(u.UUID, u.CompanyUUID, "a@x.com", "E1", "Anna", "Nowak", []string{user.RoleUser},
			true, false, now, "admin").
		WillReturnRows(userRow(pgxmock.NewRows(userColumnNames), 1, "a@x.com", now))

	created, err := repo.Create(context.Background(), u)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if created.ID != 1 || created.CreatedBy != "admin" || created.UpdatedAt != nil {
		t.Fatalf("unexpected created user %+v", created)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserRepository_Create_DuplicateEmployeeNumber(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewUserRepository(mock)
	u := user.NewUser(uuid.MustParse(testCompanyUUID), user.Profile{
		Email: "b@x.com", EmployeeNumber: "E1", FirstName: "B", LastName: "B",
	}, "admin", time.Now().UTC())

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: uniqueViolationCode, ConstraintName: usersEmployeeNumberConstraint})

	if _, err := repo.Create(context.Background(), u); !errors.Is(err, user.ErrDuplicateEmployeeNumber) {
		t.Fatalf("expected ErrDuplicateEmployeeNumber, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserRepository_FindByID_NotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewUserRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows(userColumnNames))

	if _, err := repo.FindByID(context.Background(), 42); !errors.Is(err, user.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserRepository_FindByCompanyAndEmployeeNumber(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewUserRepository(mock)
	company := uuid.MustParse(testCompanyUUID)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE company_uuid = $1 AND employee_number = $2")).
		WithArgs(company, "E1").
		WillReturnRows(userRow(pgxmock.NewRows(userColumnNames), 3, "a@x.com", now))

	found, err := repo.FindByCompanyAndEmployeeNumber(context.Background(), company, "E1")
	if err != nil {
		t.Fatalf("FindByCompanyAndEmployeeNumber returned error: %v", err)
	}
	if found.ID != 3 || found.CompanyUUID != company {
		t.Fatalf("unexpected user %+v", found)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserRepository_Update_UsesTransactionFromContext(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewUserRepository(mock)
	tm := pgdb.NewTransactionManager(mock)
	now := time.Now().UTC()

	u := user.NewUser(uuid.MustParse(testCompanyUUID), user.Profile{
		Email: "a@x.com", EmployeeNumber: "E1", FirstName: "Anna", LastName: "Nowak",
	}, "admin", now)
	u.ID = 5
	if err := u.SoftDelete("admin-2", now); err != nil {
		t.Fatalf("SoftDelete returned error: %v", err)
	}

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users")).
		WithArgs("a@x.com", "E1", "Anna", "Nowak", []string{user.RoleUser},
			false, true, now, now, "admin-2", int64(5)).
		WillReturnRows(userRow(pgxmock.NewRows(userColumnNames), 5, "a@x.com", now))
	mock.ExpectCommit()

	err = tm.WithinReadWrite(context.Background(), func(ctx context.Context) error {
		_, err := repo.Update(ctx, u)
		return err
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserRepository_Delete(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewUserRepository(mock)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = $1")).
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = $1")).
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	if err := repo.Delete(context.Background(), 9); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := repo.Delete(context.Background(), 9); !errors.Is(err, user.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound on second delete, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserRepository_List_WithNextToken(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewUserRepository(mock)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(userColumnNames)
	userRow(rows, 1, "user1@example.com", now)
	userRow(rows, 2, "user2@example.com", now)
	userRow(rows, 3, "user3@example.com", now)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE is_deleted = $1")).
		WithArgs(false, 3, 0).
		WillReturnRows(rows)

	users, nextToken, err := repo.List(context.Background(), user.ListUsersFilter{Limit: 2, Offset: 0})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}

	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}

	if nextToken != "2" {
		t.Fatalf("expected next token '2', got %s", nextToken)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserRepository_List_Deleted(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewUserRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE is_deleted = $1")).
		WithArgs(true, 11, 20).
		WillReturnRows(userRow(pgxmock.NewRows(userColumnNames), 30, "gone@example.com", time.Now().UTC()))

	users, nextToken, err := repo.List(context.Background(), user.ListUsersFilter{Deleted: true, Limit: 10, Offset: 20})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(users) != 1 || nextToken != "" {
		t.Fatalf("expected single page, got %d users and token %q", len(users), nextToken)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserRepository_List_InvalidArguments(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	repo := NewUserRepository(mock)

	if _, _, err := repo.List(context.Background(), user.ListUsersFilter{Limit: 0, Offset: 0}); !errors.Is(err, user.ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize, got %v", err)
	}

	if _, _, err := repo.List(context.Background(), user.ListUsersFilter{Limit: 1, Offset: -1}); !errors.Is(err, user.ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}
