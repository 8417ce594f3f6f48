package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName は社員アカウント管理サービスの完全修飾名です。
const ServiceName = "provisioning.v1.UserAdminService"

const (
	MethodCreateUser       = "CreateUser"
	MethodUpdateUser       = "UpdateUser"
	MethodToggleActive     = "ToggleActive"
	MethodDeleteUser       = "DeleteUser"
	MethodGetUser          = "GetUser"
	MethodListActiveUsers  = "ListActiveUsers"
	MethodListDeletedUsers = "ListDeletedUsers"
)

// UserAdminServer は UserAdminService のサーバー側インターフェースです。
// リクエストとレスポンスはいずれも google.protobuf.Struct です。
type UserAdminServer interface {
	CreateUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ToggleActive(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DeleteUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListActiveUsers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListDeletedUsers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv UserAdminServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// UserAdminServiceDesc は UserAdminService の grpc.ServiceDesc です。
var UserAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*UserAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodCreateUser, UserAdminServer.CreateUser),
		unaryMethod(MethodUpdateUser, UserAdminServer.UpdateUser),
		unaryMethod(MethodToggleActive, UserAdminServer.ToggleActive),
		unaryMethod(MethodDeleteUser, UserAdminServer.DeleteUser),
		unaryMethod(MethodGetUser, UserAdminServer.GetUser),
		unaryMethod(MethodListActiveUsers, UserAdminServer.ListActiveUsers),
		unaryMethod(MethodListDeletedUsers, UserAdminServer.ListDeletedUsers),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "provisioning/v1/user_admin.proto",
}

// RegisterUserAdminServer は srv を UserAdminService として登録します。
func RegisterUserAdminServer(s grpc.ServiceRegistrar, srv UserAdminServer) {
	s.RegisterService(&UserAdminServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(UserAdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(UserAdminServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// UserAdminClient は UserAdminService のクライアントです。
type UserAdminClient struct {
	cc grpc.ClientConnInterface
}

// NewUserAdminClient は UserAdminClient を生成します。
func NewUserAdminClient(cc grpc.ClientConnInterface) *UserAdminClient {
	return &UserAdminClient{cc: cc}
}

// Call は name の RPC を呼び出します。
func (c *UserAdminClient) Call(ctx context.Context, name string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(name), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
