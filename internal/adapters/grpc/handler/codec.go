package handler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ogurasousui/staff-provisioning/internal/core/user"
)

func stringField(req *structpb.Struct, key string) string {
	v, ok := req.GetFields()[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// int64Field は数値または数字文字列のフィールドを読み取ります。未指定は 0 です。
func int64Field(req *structpb.Struct, key string) (int64, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, nil
	}

	switch kind := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return 0, nil
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n != math.Trunc(n) || n >= 1<<63 || n < -(1<<63) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int64(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(strings.TrimSpace(kind.StringValue), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}

func toStructUser(u *user.User) map[string]any {
	if u == nil {
		return nil
	}

	roles := make([]any, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, r)
	}

	var updatedBy any
	if u.UpdatedBy != nil {
		updatedBy = *u.UpdatedBy
	}

	return map[string]any{
		"id":                   u.ID,
		"uuid":                 u.UUID.String(),
		"company_uuid":         u.CompanyUUID.String(),
		"email":                u.Email,
		"employee_number":      u.EmployeeNumber,
		"first_name":           u.FirstName,
		"last_name":            u.LastName,
		"roles":                roles,
		"is_active":            u.IsActive,
		"is_deleted":           u.IsDeleted,
		"created_at":           formatTime(&u.CreatedAt),
		"updated_at":           formatTime(u.UpdatedAt),
		"deleted_at":           formatTime(u.DeletedAt),
		"last_login_at":        formatTime(u.LastLoginAt),
		"last_failed_login_at": formatTime(u.LastFailedLoginAt),
		"created_by":           u.CreatedBy,
		"updated_by":           updatedBy,
	}
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func userResponse(u *user.User) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"user": toStructUser(u)})
}

func listResponse(result *user.ListUsersResult) (*structpb.Struct, error) {
	users := make([]any, 0, len(result.Users))
	for _, u := range result.Users {
		users = append(users, toStructUser(u))
	}
	return structpb.NewStruct(map[string]any{
		"users":           users,
		"next_page_token": result.NextPageToken,
	})
}
