package apierr

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// grpcToHTTP maps gRPC codes to HTTP statuses. It lists the codes
// apierr.Kind.Code can produce, plus codes.OK.
var grpcToHTTP = map[codes.Code]int{
	codes.OK:                http.StatusOK,
	codes.Unknown:            http.StatusInternalServerError,
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.NotFound:           http.StatusNotFound,
	codes.AlreadyExists:      http.StatusConflict,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.FailedPrecondition: http.StatusBadRequest,
	codes.Internal:           http.StatusInternalServerError,
	codes.Unauthenticated:    http.StatusUnauthorized,
}

// HTTPStatus returns the status code err should be reported with. Errors
// not constructed through this package (including plain Go errors
// surfacing from a bug rather than a classified failure) map to 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	status, ok := grpcToHTTP[KindOf(err).Code()]
	if !ok {
		return http.StatusInternalServerError
	}
	return status
}
