package providers

import (
	"context"
	"net"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	coreerrors "github.com/unimailhq/unimail/internal/errors"
)

// classifyIMAPError reduces a raw IMAP failure to the transient/terminal
// split. IMAP servers report auth problems as free text, so this has to
// pattern match on the response.
func classifyIMAPError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return coreerrors.Transient(errors.Wrap(coreerrors.ErrProviderTimeout, err.Error()))
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return coreerrors.Transient(errors.Wrap(coreerrors.ErrProviderTimeout, err.Error()))
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "authenticationfailed", "authentication failed", "invalid credentials", "login failed", "password"):
		return coreerrors.Terminal(errors.Wrap(coreerrors.ErrAuthFailed, err.Error()))
	case containsAny(msg, "permission", "not allowed", "access denied"):
		return coreerrors.Terminal(errors.Wrap(coreerrors.ErrPermissionDenied, err.Error()))
	case containsAny(msg, "too many", "rate limit", "throttl"):
		return coreerrors.Transient(errors.Wrap(coreerrors.ErrRateLimited, err.Error()))
	}

	// Connection drops, server restarts and unknown server responses are all
	// worth retrying.
	return coreerrors.Transient(err)
}

// classifyGmailError maps Gmail API status codes to the transient/terminal
// split. 403 is ambiguous: quota exhaustion shares the code with real
// permission problems, so the reason strings decide.
func classifyGmailError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return coreerrors.Transient(errors.Wrap(coreerrors.ErrProviderTimeout, err.Error()))
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return coreerrors.Terminal(errors.Wrap(coreerrors.ErrAuthFailed, err.Error()))
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return coreerrors.Terminal(errors.Wrap(coreerrors.ErrAuthFailed, err.Error()))
		case apiErr.Code == 403 && containsAny(strings.ToLower(apiErr.Message), "rate", "quota", "limit"):
			return coreerrors.Transient(errors.Wrap(coreerrors.ErrRateLimited, err.Error()))
		case apiErr.Code == 403:
			return coreerrors.Terminal(errors.Wrap(coreerrors.ErrPermissionDenied, err.Error()))
		case apiErr.Code == 429:
			return coreerrors.Transient(errors.Wrap(coreerrors.ErrRateLimited, err.Error()))
		case apiErr.Code >= 500:
			return coreerrors.Transient(err)
		default:
			return coreerrors.Terminal(err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return coreerrors.Transient(errors.Wrap(coreerrors.ErrProviderTimeout, err.Error()))
	}

	return coreerrors.Transient(err)
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
