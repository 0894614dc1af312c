package grpchttp

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// codeFromHTTPStatus translates an HTTP status code into a gRPC code. It is
// used when a response carries no grpc-status at all, which happens when a
// proxy or a non-gRPC server answered the request.
func codeFromHTTPStatus(stat int) codes.Code {
	switch {
	case stat >= 200 && stat < 300:
		return codes.OK
	case stat >= 400 && stat < 500:
		switch stat {
		case http.StatusBadRequest:
			return codes.Internal
		case http.StatusUnauthorized:
			return codes.Unauthenticated
		case http.StatusForbidden:
			return codes.PermissionDenied
		case http.StatusNotFound:
			return codes.Unimplemented
		case http.StatusRequestTimeout:
			return codes.DeadlineExceeded
		case http.StatusConflict:
			return codes.Aborted
		case http.StatusRequestedRangeNotSatisfiable:
			return codes.OutOfRange
		case http.StatusPreconditionFailed, http.StatusExpectationFailed:
			return codes.FailedPrecondition
		case http.StatusTooManyRequests:
			return codes.ResourceExhausted
		case 499:
			return codes.Canceled
		default:
			return codes.Unknown
		}
	case stat >= 500 && stat < 600:
		switch stat {
		case http.StatusNotImplemented:
			return codes.Unimplemented
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return codes.Unavailable
		default:
			return codes.Internal
		}
	default:
		// 1xx and 3xx have no gRPC meaning
		return codes.Unknown
	}
}
