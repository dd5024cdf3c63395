package telegram

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"mirrorbot/internal/mirror"
)

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

var (
	notModifiedHints = []string{
		"message is not modified",
	}
	notFoundHints = []string{
		"message to edit not found",
		"message to delete not found",
		"message to forward not found",
		"message to copy not found",
		"message can't be deleted",
		"message_id_invalid",
		"message not found",
	}
	permissionHints = []string{
		"chat not found",
		"not enough rights",
		"have no rights",
		"need administrator rights",
		"chat_admin_required",
		"chat_write_forbidden",
		"channel_private",
		"bot was kicked",
		"bot is not a member",
		"bot was blocked",
	}
	unavailableHints = []string{
		"wrong file identifier",
		"wrong remote file",
		"file is too big",
		"media_empty",
		"failed to get http url content",
		"wrong type of the web page content",
		"file reference",
	}
)

// classify translates a telebot error into the mirror failure taxonomy.
// The original error stays in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return mirror.RateLimited(err, time.Duration(fe.RetryAfter)*time.Second)
	}

	code := 0
	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		code = te.Code
	}
	desc := strings.ToLower(err.Error())

	if code == 429 || strings.Contains(desc, "too many requests") {
		wait := time.Second
		if m := retryAfterRe.FindStringSubmatch(desc); m != nil {
			if n, perr := strconv.Atoi(m[1]); perr == nil && n > 0 {
				wait = time.Duration(n) * time.Second
			}
		}
		return mirror.RateLimited(err, wait)
	}

	switch {
	case containsAny(desc, notModifiedHints):
		return fmt.Errorf("%w: %w", mirror.ErrNotModified, err)
	case containsAny(desc, notFoundHints):
		return fmt.Errorf("%w: %w", mirror.ErrNotFound, err)
	case code == 403 || containsAny(desc, permissionHints):
		return fmt.Errorf("%w: %w", mirror.ErrPermissionDenied, err)
	case containsAny(desc, unavailableHints):
		return fmt.Errorf("%w: %w", mirror.ErrContentUnavailable, err)
	}
	return err
}

// protectedForward reports a forward refused because the source chat
// restricts saving content.
func protectedForward(err error) bool {
	if err == nil {
		return false
	}
	d := strings.ToLower(err.Error())
	return strings.Contains(d, "protected content") || strings.Contains(d, "forwards restricted")
}

// unforwardable reports a single message that cannot be forwarded, such as
// a service message.
func unforwardable(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "can't be forwarded")
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
