package lib

import (
	"net/mail"
	"strings"

	"github.com/gravitational/trace"
)

// IsEmail reports whether str is a bare e-mail address (no display name).
func IsEmail(str string) bool {
	address, err := mail.ParseAddress(str)
	if err != nil {
		return false
	}
	return str == address.Address
}

// CheckEmail trims the input and returns a BadParameter error unless it is a bare e-mail address.
func CheckEmail(str string) (string, error) {
	str = strings.TrimSpace(str)
	if !IsEmail(str) {
		return "", trace.BadParameter("%q is not a valid e-mail address", str)
	}
	return str, nil
}
