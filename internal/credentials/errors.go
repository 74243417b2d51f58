// Package credentials obtains short-lived cloud credentials for deployment
// operations.
//
// Key types:
//   - [AWSBroker] assumes a customer IAM role through STS
//   - [GCPBroker] loads, refreshes and re-persists a user's OAuth token
//   - [TrustError] marks failures the user must fix by reconnecting
//
// Brokers memoize the credentials they produce, so one broker should be
// created per deployment operation.
package credentials

import (
	"errors"
	"fmt"
)

// ErrNoCredentials is returned when no cloud connection is stored for the
// user. This is a setup problem, not a broken trust relationship.
var ErrNoCredentials = errors.New("no cloud credentials connected")

// TrustError reports that the customer-side trust is invalid: the role
// cannot be assumed, or the refresh token was revoked. It is the only
// condition that tells the user to reconnect their account.
type TrustError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("%s credentials rejected: %s", e.Provider, e.Reason)
}

func (e *TrustError) Unwrap() error { return e.Err }

// IsTrustError reports whether err (or anything it wraps) is a [*TrustError].
func IsTrustError(err error) bool {
	var te *TrustError
	return errors.As(err, &te)
}
