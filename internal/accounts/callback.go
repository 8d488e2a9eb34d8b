package accounts

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// Callback is the one-shot result of a hosted auth flow, read from the
// redirect the provider sends the user back to. It is parsed once at the
// edge and handed to Linker.Confirm.
type Callback struct {
	AccountID string
	Attempt   int64
	Success   bool
	Reason    string
}

// ParseCallback reads a Callback from redirect query parameters:
// account, attempt, status (success|failure) and optional reason.
func ParseCallback(q url.Values) (Callback, error) {
	cb := Callback{AccountID: q.Get("account"), Reason: q.Get("reason")}
	if cb.AccountID == "" {
		return Callback{}, errors.New("callback: missing account")
	}
	attempt, err := strconv.ParseInt(q.Get("attempt"), 10, 64)
	if err != nil || attempt < 1 {
		return Callback{}, fmt.Errorf("callback: invalid attempt %q", q.Get("attempt"))
	}
	cb.Attempt = attempt
	switch q.Get("status") {
	case "success":
		cb.Success = true
	case "failure":
	default:
		return Callback{}, fmt.Errorf("callback: invalid status %q", q.Get("status"))
	}
	return cb, nil
}
