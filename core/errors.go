package core

import (
	"errors"
	"fmt"
	"time"
)

// ACME problem document subkinds we map to distinct handling.
const (
	AcmeBadNonce       = "badNonce"
	AcmeRateLimited    = "rateLimited"
	AcmeUnauthorized   = "unauthorized"
	AcmeMalformed      = "malformed"
	AcmeServerInternal = "serverInternal"
	AcmeOther          = "other"
)

// ConfigError marks configuration that cannot be acted on. It pins the
// affected record until the configuration changes.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Detail
}

func configErr(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Detail: fmt.Sprintf(format, args...)}
}

// CryptoError covers key, CSR and certificate handling failures. Param
// distinguishes bad caller input from underlying library faults.
type CryptoError struct {
	Op    string
	Param bool
	Err   error
}

func (e *CryptoError) Error() string {
	if e.Err == nil {
		return "crypto: " + e.Op
	}
	return "crypto: " + e.Op + ": " + e.Err.Error()
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

func cryptoParamErr(format string, args ...interface{}) *CryptoError {
	return &CryptoError{Op: fmt.Sprintf(format, args...), Param: true}
}

func cryptoErr(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ACMEError is a typed ACME problem document (RFC 8555 §6.7).
type ACMEError struct {
	Kind       string
	Type       string
	Detail     string
	Status     int
	RetryAfter time.Duration
}

func (e *ACMEError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("acme: %s (%s)", e.Detail, e.Type)
	}
	return fmt.Sprintf("acme: %s: http %d", e.Kind, e.Status)
}

// ACMETimeout is returned when a polling deadline elapses before the
// watched resource reaches a terminal status.
type ACMETimeout struct {
	Op       string
	Resource string
}

func (e *ACMETimeout) Error() string {
	return fmt.Sprintf("acme: %s timed out waiting on %s", e.Op, e.Resource)
}

// ChallengeProvisionError reports a challenge that could not be placed.
type ChallengeProvisionError struct {
	Challenge  string
	Identifier string
	Err        error
}

func (e *ChallengeProvisionError) Error() string {
	return fmt.Sprintf("challenge: %s provisioning for %s failed: %v", e.Challenge, e.Identifier, e.Err)
}

func (e *ChallengeProvisionError) Unwrap() error {
	return e.Err
}

// DNSPropagationTimeout reports authoritative servers that never served
// the expected TXT record within the deadline.
type DNSPropagationTimeout struct {
	FQDN    string
	Zone    string
	Servers []string
}

func (e *DNSPropagationTimeout) Error() string {
	return fmt.Sprintf("dns: %s not visible on %v within deadline", e.FQDN, e.Servers)
}

// StoreIOError wraps filesystem failures in the certificate store.
type StoreIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreIOError) Unwrap() error {
	return e.Err
}

func storeErr(op, path string, err error) *StoreIOError {
	return &StoreIOError{Op: op, Path: path, Err: err}
}

// acmeErrorOf returns the typed problem document inside err, if any.
func acmeErrorOf(err error) *ACMEError {
	var ae *ACMEError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// retryAfterOf extracts the server-mandated delay of a rate-limit error.
func retryAfterOf(err error) (time.Duration, bool) {
	if ae := acmeErrorOf(err); ae != nil && ae.Kind == AcmeRateLimited && ae.RetryAfter > 0 {
		return ae.RetryAfter, true
	}
	return 0, false
}

// recordPinned reports errors that no amount of retrying will fix; the
// record stays failed until its configuration changes.
func recordPinned(err error) bool {
	var ce *ConfigError
	var ke *CryptoError
	return errors.As(err, &ce) || errors.As(err, &ke)
}
