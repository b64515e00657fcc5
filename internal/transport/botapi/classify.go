package botapi

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"chronopost/internal/errkind"
)

// classify maps telebot/network failures onto the engine's error taxonomy.
//
// The dispatcher keys fallback and retry decisions off the kind, so the
// mapping errs toward TransientNetwork only where a repeat attempt can
// plausibly succeed.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		wrapped := errkind.New(errkind.TransientNetwork, err)
		return errkind.RetryAfter(wrapped, time.Duration(flood.RetryAfter)*time.Second)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return errkind.New(kindForAPIError(apiErr), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.New(errkind.TransientNetwork, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errkind.New(errkind.TransientNetwork, err)
	}

	return errkind.New(errkind.KindUnknown, err)
}

func kindForAPIError(e *tele.Error) errkind.Kind {
	desc := strings.ToLower(e.Description)
	switch {
	case e.Code == 413, strings.Contains(desc, "too large"), strings.Contains(desc, "file is too big"):
		return errkind.TooLarge
	case strings.Contains(desc, "wrong file identifier"),
		strings.Contains(desc, "wrong remote file identifier"),
		strings.Contains(desc, "failed to get http url content"),
		strings.Contains(desc, "file reference expired"):
		return errkind.ReferenceExpired
	case e.Code == 401, e.Code == 403:
		return errkind.PermissionDenied
	case strings.Contains(desc, "not enough rights"),
		strings.Contains(desc, "chat not found"),
		strings.Contains(desc, "bot was kicked"):
		return errkind.PermissionDenied
	case e.Code >= 500:
		return errkind.TransientNetwork
	default:
		return errkind.KindUnknown
	}
}
