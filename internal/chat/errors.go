package chat

import (
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrStorage          = errors.New("storage error")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("slow consumer")
)

// errorDomain is reported in ErrorInfo details.
const errorDomain = "chat.v1"

type classification struct {
	code   codes.Code
	reason string
}

var classes = []struct {
	err error
	classification
}{
	{ErrUnauthenticated, classification{codes.Unauthenticated, "UNAUTHENTICATED"}},
	{ErrForbidden, classification{codes.PermissionDenied, "FORBIDDEN"}},
	{ErrInvalidArgument, classification{codes.InvalidArgument, "INVALID_ARGUMENT"}},
	{ErrStorage, classification{codes.Unavailable, "STORAGE_ERROR"}},
	{ErrNotFound, classification{codes.NotFound, "NOT_FOUND"}},
	{ErrAlreadyExists, classification{codes.AlreadyExists, "ALREADY_EXISTS"}},
	{ErrRateLimited, classification{codes.ResourceExhausted, "RATE_LIMITED"}},
	{ErrConnectionClosed, classification{codes.Canceled, "CONNECTION_CLOSED"}},
	{ErrSlowConsumer, classification{codes.ResourceExhausted, "SLOW_CONSUMER"}},
}

func classify(err error) classification {
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.classification
		}
	}
	return classification{codes.Internal, "INTERNAL"}
}

// Code returns the in-band error code carried by stream error events.
func Code(err error) string {
	return classify(err).reason
}

// ToStatus converts a domain error into a gRPC status error carrying an
// ErrorInfo detail. Errors that already are statuses pass through.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	c := classify(err)
	msg := err.Error()
	if c.code == codes.Internal {
		msg = "internal error"
	}
	st := status.New(c.code, msg)
	if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: c.reason, Domain: errorDomain}); derr == nil {
		st = detailed
	}
	return st.Err()
}
