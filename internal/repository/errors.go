package repository

import "errors"

// ErrNotFound is returned when a site, job, or domain record does not exist.
// HTTP handlers translate it to a 404.
var ErrNotFound = errors.New("repository: not found")
