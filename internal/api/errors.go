package api

import (
	"net/http"

	"github.com/lumenprima/echofabric/internal/svcerr"
)

// ErrCode is a machine-readable error code returned in API error bodies.
// Grouping errors by code (rather than matching on message text) lets
// clients branch on failure kind without parsing prose.
type ErrCode string

const (
	ErrInvalidParameter  ErrCode = "invalid_parameter"
	ErrInvalidBody       ErrCode = "invalid_body"
	ErrInvalidTimeRange  ErrCode = "invalid_time_range"
	ErrForbidden         ErrCode = "forbidden"
	ErrUnauthorized      ErrCode = "unauthorized"
	ErrNotFound          ErrCode = "not_found"
	ErrConflict          ErrCode = "conflict"
	ErrCryptoInvalid     ErrCode = "invalid_cryptographic_material"
	ErrRateLimited       ErrCode = "rate_limited"
	ErrResourceExhausted ErrCode = "resource_exhausted"
	ErrInternal          ErrCode = "internal_error"
)

// CodedErrorResponse is the JSON body written by WriteErrorWithCode.
type CodedErrorResponse struct {
	Code  ErrCode `json:"code"`
	Error string  `json:"error"`
}

// WriteErrorWithCode writes a JSON error response carrying a machine-readable
// code alongside the human message.
func WriteErrorWithCode(w http.ResponseWriter, status int, code ErrCode, msg string) {
	WriteJSON(w, status, CodedErrorResponse{Code: code, Error: msg})
}

// statusForKind maps a service-layer svcerr.Kind to an HTTP status code.
func statusForKind(k svcerr.Kind) int {
	switch k {
	case svcerr.KindValidation:
		return http.StatusBadRequest
	case svcerr.KindAuthorization:
		return http.StatusForbidden
	case svcerr.KindConflict:
		return http.StatusConflict
	case svcerr.KindNotFound:
		return http.StatusNotFound
	case svcerr.KindResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// codeForKind maps a svcerr.Kind to the ErrCode surfaced in the response body.
func codeForKind(k svcerr.Kind) ErrCode {
	switch k {
	case svcerr.KindValidation:
		return ErrInvalidParameter
	case svcerr.KindAuthorization:
		return ErrForbidden
	case svcerr.KindConflict:
		return ErrConflict
	case svcerr.KindNotFound:
		return ErrNotFound
	case svcerr.KindResource:
		return ErrResourceExhausted
	default:
		return ErrInternal
	}
}

// WriteServiceError writes a service-layer error (from any internal/*
// package) as a coded JSON response, translating its Kind into a status
// code and ErrCode. Anything that isn't a *svcerr.Error becomes a 500.
func WriteServiceError(w http.ResponseWriter, err error) {
	if se, ok := svcerr.As(err); ok {
		WriteErrorWithCode(w, statusForKind(se.Kind), codeForKind(se.Kind), se.Message)
		return
	}
	WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal server error")
}
