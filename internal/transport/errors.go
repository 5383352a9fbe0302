package transport

import "errors"

// ErrListenerClosed is returned by Accept once Close has been called.
var ErrListenerClosed = errors.New("transport: listener closed")
