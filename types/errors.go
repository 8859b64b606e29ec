package types

import "errors"

var (
	errSessionKeyWithoutPermissions = errors.New("session key requires a permissions value")
	errUnknownKeyRole               = errors.New("unknown key role")
)
