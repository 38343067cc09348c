package wecom

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration     = errors.New("wecom: invalid configuration")
	ErrSignatureMismatch = errors.New("wecom: signature mismatch")
	ErrDecryption        = errors.New("wecom: decryption failed")
	ErrCorpIDMismatch    = errors.New("wecom: corp id mismatch")
	ErrMissingField      = errors.New("wecom: missing required field")
	ErrMalformed         = errors.New("wecom: malformed payload")
	ErrCredentialFetch   = errors.New("wecom: access token fetch failed")
	ErrCredentialExpired = errors.New("wecom: access token expired")
	ErrAllowlistRejected = errors.New("wecom: server ip not in allow-list")
	ErrSend              = errors.New("wecom: send failed")
	ErrUpload            = errors.New("wecom: upload failed")
)

// Vendor error codes the client reacts to.
const (
	CodeOK               = 0
	CodeInvalidToken     = 40014
	CodeTokenExpired     = 42001
	CodeIPNotAllowlisted = 60020
)

// APIError is a non-zero errcode returned by the WeCom API.
type APIError struct {
	Op   string // "send", "upload", "gettoken", ...
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	if e.Code == CodeIPNotAllowlisted {
		return fmt.Sprintf("wecom %s: server IP is not in the application's trusted IP list; "+
			"add it under 企业可信IP in the WeCom admin console (errcode=%d, errmsg=%s)", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("wecom %s: errcode=%d, errmsg=%s", e.Op, e.Code, e.Msg)
}

// Unwrap maps the vendor code onto the package sentinels so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case isTokenCode(e.Code):
		return ErrCredentialExpired
	case e.Code == CodeIPNotAllowlisted:
		return ErrAllowlistRejected
	case e.Op == "gettoken":
		return ErrCredentialFetch
	case e.Op == "upload":
		return ErrUpload
	case e.Op == "send":
		return ErrSend
	default:
		return nil
	}
}

func isTokenCode(code int) bool {
	return code == CodeTokenExpired || code == CodeInvalidToken
}
