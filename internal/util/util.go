package util

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// WritablePath returns the cleaned WRITABLE_PATH environment variable when it is set.
// It accepts both uppercase and lowercase variants for compatibility with existing conventions.
func WritablePath() string {
	for _, key := range []string{"WRITABLE_PATH", "writable_path"} {
		if value, ok := os.LookupEnv(key); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return filepath.Clean(trimmed)
			}
		}
	}
	return ""
}

// MaskRef obscures an opaque reference such as a payment method token,
// showing only the first and last few characters.
func MaskRef(ref string) string {
	if len(ref) > 8 {
		return ref[:4] + "..." + ref[len(ref)-4:]
	} else if len(ref) > 4 {
		return ref[:2] + "..." + ref[len(ref)-2:]
	} else if len(ref) > 2 {
		return ref[:1] + "..." + ref[len(ref)-1:]
	}
	return ref
}

// MaskDSN hides the password of a database or broker URL so connection
// strings can be logged.
func MaskDSN(raw string) string {
	trimmed := strings.TrimSpace(raw)
	parsed, errParse := url.Parse(trimmed)
	if errParse != nil || parsed.User == nil {
		return raw
	}
	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(parsed.User.Username(), "xxxxx")
	}
	return parsed.String()
}
