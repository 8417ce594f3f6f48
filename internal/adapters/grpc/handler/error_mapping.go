package handler

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ogurasousui/staff-provisioning/internal/core/user"
)

func toStatusError(err error) error {
	var provisioning *user.ProvisioningError

	switch {
	case err == nil:
		return nil
	case errors.As(err, &provisioning) && provisioning.Stage == user.StageCompletedWithWarning:
		return status.Errorf(codes.Unavailable,
			"user %d was created but email verification could not be requested: %v",
			provisioning.UserID, provisioning.Err,
		)
	case errors.Is(err, user.ErrValidationFailed),
		errors.Is(err, user.ErrInvalidID),
		errors.Is(err, user.ErrInvalidPageSize),
		errors.Is(err, user.ErrInvalidPageToken):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, user.ErrDuplicateEmail), errors.Is(err, user.ErrDuplicateEmployeeNumber):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, user.ErrUserNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, user.ErrUserDeleted):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, user.ErrIdentityProviderResponseInvalid):
		return status.Error(codes.Internal, err.Error())
	case errors.Is(err, user.ErrProvisioningFailed),
		errors.Is(err, user.ErrIdentityProviderUnavailable),
		errors.Is(err, user.ErrVerificationTokenRequestFailed),
		errors.Is(err, user.ErrNotificationFailed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStatusErrorWithUser は作成済みユーザーが返された場合、そのユーザーを詳細に添付します。
func toStatusErrorWithUser(err error, u *user.User) error {
	converted := toStatusError(err)
	if u == nil {
		return converted
	}

	detail, buildErr := structpb.NewStruct(map[string]any{"user": toStructUser(u)})
	if buildErr != nil {
		return converted
	}
	st, withErr := status.Convert(converted).WithDetails(detail)
	if withErr != nil {
		return converted
	}
	return st.Err()
}
