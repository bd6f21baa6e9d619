// Package auth owns credentials: classification of bearer tokens,
// profile persistence, and per-request credential resolution.
package auth

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Prefixes that identify Copilot-ecosystem credentials. Anything else
// found in an inbound Authorization header is rejected so unrelated
// bearer tokens are never forwarded upstream.
var copilotTokenPrefixes = []string{
	"ghu_",
	"ghp_",
	"gho_",
	"ghs_",
	"copilot_",
	"tid=",
}

// IsCopilotToken reports whether s classifies as a Copilot-ecosystem
// credential. Classification is prefix-only: the listed prefixes plus
// the generic "gh<alnum>_" family.
func IsCopilotToken(s string) bool {
	if s == "" {
		return false
	}
	for _, p := range copilotTokenPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	// gh*_ covers future GitHub token families (ghr_, ghi_, ...).
	if strings.HasPrefix(s, "gh") {
		rest := s[2:]
		if i := strings.IndexByte(rest, '_'); i > 0 {
			for _, r := range rest[:i] {
				if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
					return false
				}
			}
			return true
		}
	}
	return false
}

// MaskToken reduces a credential to its first and last four characters
// for logging. Short values are fully redacted.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "[redacted]"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// TokenExpiry extracts the expiry of a credential when one is encoded in
// it. Copilot session tokens carry an "exp=<unix>" field in their
// semicolon-separated form; JWT-shaped bearers carry an exp claim, read
// without signature verification. The second return is false when no
// expiry can be determined.
func TokenExpiry(token string) (time.Time, bool) {
	if strings.Contains(token, ";") {
		for _, part := range strings.Split(token, ";") {
			if strings.HasPrefix(part, "exp=") {
				exp, err := strconv.ParseInt(strings.TrimPrefix(part, "exp="), 10, 64)
				if err != nil {
					return time.Time{}, false
				}
				return time.Unix(exp, 0), true
			}
		}
		return time.Time{}, false
	}

	if strings.Count(token, ".") == 2 {
		claims := jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
			return claims.ExpiresAt.Time, true
		}
	}
	return time.Time{}, false
}

// TokenExpired reports whether the credential carries an expiry that has
// already passed. Credentials without a readable expiry are never
// considered expired here; upstream 401 handling covers them.
func TokenExpired(token string) bool {
	exp, ok := TokenExpiry(token)
	return ok && exp.Before(time.Now())
}
