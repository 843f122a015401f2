package api

import (
	"errors"
	"net/http"

	"github.com/org/basegate/pkg/models"
)

// errorResponse maps a domain error to an HTTP status and a client-safe
// message. Unclassified errors keep their text since tenant SQL errors are
// what callers need to see.
func errorResponse(err error) (int, string) {
	var (
		authErr *models.AuthError
		cfgErr  *models.TenantConfigError
		connErr *models.ConnectionError
	)
	switch {
	case errors.As(err, &authErr):
		switch authErr.Kind {
		case models.AuthExpired:
			return http.StatusUnauthorized, "session expired"
		case models.AuthMalformedCredentials:
			return http.StatusUnauthorized, "session credentials unreadable"
		default:
			return http.StatusUnauthorized, "invalid session token"
		}
	case errors.As(err, &cfgErr):
		switch cfgErr.Kind {
		case models.TenantNotFound:
			return http.StatusNotFound, "tenant not found"
		case models.TenantInactive:
			return http.StatusForbidden, "tenant database is inactive"
		default:
			return http.StatusUnprocessableEntity, "tenant database configuration is incomplete"
		}
	case errors.As(err, &connErr):
		switch connErr.Kind {
		case models.ConnConnectTimeout:
			return http.StatusGatewayTimeout, "tenant database connect timed out"
		case models.ConnQueryTimeout:
			return http.StatusGatewayTimeout, "tenant query timed out"
		case models.ConnCorrupted:
			return http.StatusServiceUnavailable, "tenant connection lost, retry the request"
		default:
			return http.StatusServiceUnavailable, "tenant database unreachable"
		}
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	code, msg := errorResponse(err)
	writeError(w, code, msg)
}
