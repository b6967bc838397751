package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrorUnauthorized is returned when no authenticated identity is attached
// to the request context.
var ErrorUnauthorized = errors.New("unauthorized")
