package wal

import "errors"

// ErrTruncated marks a partial trailing frame found on open or replay —
// tolerated per spec.md §6.3, never returned from Append.
var ErrTruncated = errors.New("wal: truncated trailing frame")
