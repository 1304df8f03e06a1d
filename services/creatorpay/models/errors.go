package models

import "errors"

// ErrStaleVersion is returned by repositories when a conditional update lost a race.
var ErrStaleVersion = errors.New("models: stale version")
