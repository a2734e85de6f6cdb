package auth

import "errors"

// Token lifecycle errors returned by the broker.
var (
	ErrExpiredToken       = errors.New("token has expired")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNoInstallation     = errors.New("no app installation found for repository owner")
	ErrNoCredentialsAvail = errors.New("no usable credential tier configured")
)
