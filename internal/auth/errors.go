package auth

import "errors"

var (
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrInvalidToken  = errors.New("auth: invalid token")
	errMissingSecret = errors.New("auth: signing secret is not configured")
)
