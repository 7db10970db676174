package credentials

import (
	"strings"
)

// ErrorKind is the closed set of outcomes the classifier maps raw provider errors to.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindRateLimited
	KindQuotaExceeded
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindAuth:
		return "auth"
	default:
		return "other"
	}
}

// Status returns the health status a credential takes after an error of this kind.
func (k ErrorKind) Status() Status {
	switch k {
	case KindRateLimited:
		return StatusRateLimited
	case KindQuotaExceeded:
		return StatusQuotaExceeded
	case KindAuth:
		return StatusBlocked
	default:
		return StatusError
	}
}

// Matching order matters: quota phrases are checked before rate-limit phrases
// because providers often report exhausted quota with a 429.
var (
	quotaPhrases = []string{
		"quota",
		"billing",
		"insufficient_quota",
		"exceeded your current",
		"credit balance",
		"payment required",
		"resource_exhausted",
		"resource has been exhausted",
	}
	ratePhrases = []string{
		"rate limit",
		"rate_limit",
		"ratelimit",
		"too many requests",
		"429",
		"slow down",
		"overloaded",
		"try again later",
	}
	authPhrases = []string{
		"unauthorized",
		"unauthenticated",
		"invalid api key",
		"invalid_api_key",
		"incorrect api key",
		"api key not valid",
		"permission denied",
		"permission_denied",
		"forbidden",
		"401",
		"403",
		"account disabled",
		"account deactivated",
	}
)

// Classify maps raw error text to an ErrorKind using case-insensitive substring matching.
func Classify(text string) ErrorKind {
	s := strings.ToLower(text)
	if s == "" {
		return KindOther
	}
	if containsAny(s, quotaPhrases) {
		return KindQuotaExceeded
	}
	if containsAny(s, ratePhrases) {
		return KindRateLimited
	}
	if containsAny(s, authPhrases) {
		return KindAuth
	}
	return KindOther
}

// ClassifyError is Classify for an error value; nil maps to KindOther.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	return Classify(err.Error())
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
