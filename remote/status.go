package remote

import (
	"context"
	stderrs "errors"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bobg/rssync"
)

var codeErrs = []struct {
	err  error
	code codes.Code
}{
	{rssync.ErrNotFound, codes.NotFound},
	{rssync.ErrCorrupt, codes.DataLoss},
	{rssync.ErrTimeout, codes.DeadlineExceeded},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{context.Canceled, codes.Canceled},
	{rssync.ErrTxConflict, codes.Aborted},
	{rssync.ErrReadOnly, codes.PermissionDenied},
	{rssync.ErrUnsupported, codes.Unimplemented},
	{rssync.ErrTransport, codes.Unavailable},
}

// toStatus converts a server-side error to a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, ce := range codeErrs {
		if stderrs.Is(err, ce.err) {
			return status.Error(ce.code, err.Error())
		}
	}
	return status.Error(codes.Unknown, err.Error())
}

// fromStatus converts a gRPC error back to one wrapping the rssync error it stands for.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrap(rssync.ErrTransport, err.Error())
	}
	switch st.Code() {
	case codes.NotFound:
		return errors.Wrap(rssync.ErrNotFound, st.Message())
	case codes.DataLoss:
		return errors.Wrap(rssync.ErrCorrupt, st.Message())
	case codes.DeadlineExceeded:
		return errors.Wrap(rssync.ErrTimeout, st.Message())
	case codes.Canceled:
		return errors.Wrap(context.Canceled, st.Message())
	case codes.Aborted:
		return errors.Wrap(rssync.ErrTxConflict, st.Message())
	case codes.PermissionDenied:
		return errors.Wrap(rssync.ErrReadOnly, st.Message())
	case codes.Unimplemented:
		return errors.Wrap(rssync.ErrUnsupported, st.Message())
	case codes.Unavailable:
		return errors.Wrap(rssync.ErrTransport, st.Message())
	}
	return errors.New(st.Message())
}
