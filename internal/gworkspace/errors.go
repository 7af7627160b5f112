package gworkspace

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/tracyhatemice/mailsheet/internal/syncerr"
)

// Classify marks a Google API error for the retry policy. When the call is
// a write whose outcome is unknown after a timeout, pass writeAmbiguous so
// the caller can apply its idempotency rule.
func Classify(err error, writeAmbiguous bool) error {
	if err == nil {
		return nil
	}
	if syncerr.IsAuth(err) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return syncerr.Auth(err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return syncerr.Auth(err)
		case apiErr.Code == http.StatusTooManyRequests:
			return syncerr.Transient(err)
		case apiErr.Code == http.StatusForbidden && isRateLimitReason(apiErr):
			return syncerr.Transient(err)
		case apiErr.Code >= 500:
			return syncerr.Transient(err)
		default:
			return err
		}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if isTimeout(err) {
		if writeAmbiguous {
			return syncerr.Ambiguous(err)
		}
		return syncerr.Transient(err)
	}

	// *url.Error satisfies net.Error whatever it wraps.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var netErr net.Error
		if !errors.As(urlErr.Err, &netErr) {
			return err
		}
		return syncerr.Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return syncerr.Transient(err)
	}
	return err
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
