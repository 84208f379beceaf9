package rexd

import (
	"errors"
)

var (
	NoHostKeysError       = errors.New("no host keys configured")
	NoUsernameError       = errors.New("no username configured")
	NoAuthorizedKeysError = errors.New("no authorized keys configured")
)

func IsConfigError(e error) bool {
	return e == NoHostKeysError || e == NoUsernameError || e == NoAuthorizedKeysError
}
