package handler

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ogurasousui/staff-provisioning/internal/adapters/grpc/interceptor"
	"github.com/ogurasousui/staff-provisioning/internal/core/user"
)

// UserGrpcHandler は UserAdminService の gRPC 実装です。
type UserGrpcHandler struct {
	svc user.UseCase
}

var _ UserAdminServer = (*UserGrpcHandler)(nil)

// NewUserGrpcHandler は UserGrpcHandler を生成します。
func NewUserGrpcHandler(svc user.UseCase) *UserGrpcHandler {
	return &UserGrpcHandler{svc: svc}
}

// CreateUser は社員アカウントを作成し、IdP へ反映します。
func (h *UserGrpcHandler) CreateUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	created, err := h.svc.CreateUser(ctx, user.CreateUserInput{
		CompanyUUID:    stringField(req, "company_uuid"),
		Email:          stringField(req, "email"),
		FirstName:      stringField(req, "first_name"),
		LastName:       stringField(req, "last_name"),
		EmployeeNumber: stringField(req, "employee_number"),
	}, actor)
	if err != nil {
		return nil, toStatusErrorWithUser(err, created)
	}

	return userResponse(created)
}

// UpdateUser はプロフィールを更新します。
func (h *UserGrpcHandler) UpdateUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	id, err := int64Field(req, "id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	updated, err := h.svc.UpdateUser(ctx, user.UpdateUserInput{
		ID:             id,
		Email:          stringField(req, "email"),
		FirstName:      stringField(req, "first_name"),
		LastName:       stringField(req, "last_name"),
		EmployeeNumber: stringField(req, "employee_number"),
	}, actor)
	if err != nil {
		return nil, toStatusError(err)
	}

	return userResponse(updated)
}

// ToggleActive は有効状態を反転します。
func (h *UserGrpcHandler) ToggleActive(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.mutateByID(ctx, req, h.svc.ToggleActive)
}

// DeleteUser はユーザーを論理削除します。
func (h *UserGrpcHandler) DeleteUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.mutateByID(ctx, req, h.svc.DeleteUser)
}

// GetUser はユーザーを取得します。
func (h *UserGrpcHandler) GetUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	id, err := int64Field(req, "id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	found, err := h.svc.GetUser(ctx, id)
	if err != nil {
		return nil, toStatusError(err)
	}

	return userResponse(found)
}

// ListActiveUsers は論理削除されていないユーザーの一覧を返します。
func (h *UserGrpcHandler) ListActiveUsers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.list(ctx, req, h.svc.ListActiveUsers)
}

// ListDeletedUsers は論理削除済みユーザーの一覧を返します。
func (h *UserGrpcHandler) ListDeletedUsers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return h.list(ctx, req, h.svc.ListDeletedUsers)
}

func (h *UserGrpcHandler) mutateByID(
	ctx context.Context,
	req *structpb.Struct,
	mutate func(context.Context, int64, string) (*user.User, error),
) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	id, err := int64Field(req, "id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	u, err := mutate(ctx, id, actor)
	if err != nil {
		return nil, toStatusError(err)
	}

	return userResponse(u)
}

func (h *UserGrpcHandler) list(
	ctx context.Context,
	req *structpb.Struct,
	fetch func(context.Context, user.ListUsersInput) (*user.ListUsersResult, error),
) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	pageSize, err := int64Field(req, "page_size")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := fetch(ctx, user.ListUsersInput{
		PageSize:  int(pageSize),
		PageToken: stringField(req, "page_token"),
	})
	if err != nil {
		return nil, toStatusError(err)
	}

	return listResponse(result)
}

func requireActor(ctx context.Context) (string, error) {
	actor, ok := interceptor.ActorFromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "acting administrator is required")
	}
	return actor, nil
}
