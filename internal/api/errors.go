package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/towtrack/internal/chat"
	"github.com/matheus3301/towtrack/internal/job"
	"github.com/matheus3301/towtrack/internal/tracking"
)

// toStatus maps domain errors onto gRPC codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, chat.ErrChatNotAllowed):
		code = codes.FailedPrecondition
	case errors.Is(err, tracking.ErrNoActiveJob):
		code = codes.FailedPrecondition
	case errors.Is(err, tracking.ErrActiveJobChanged):
		code = codes.Aborted
	case errors.Is(err, chat.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, job.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, chat.ErrSendQueueFull):
		code = codes.ResourceExhausted
	case errors.Is(err, chat.ErrClosed), errors.Is(err, tracking.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
