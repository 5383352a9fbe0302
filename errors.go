package smtpd

import "errors"

// ErrAlreadyRunning is returned by Start when the server is already
// running.
var ErrAlreadyRunning = errors.New("smtpd: server already running")

// ErrNotRunning is returned by Stop when the server is not running.
var ErrNotRunning = errors.New("smtpd: server not running")
