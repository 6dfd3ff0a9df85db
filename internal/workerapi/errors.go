package workerapi

import "errors"

// ErrAlreadyRunning is returned when Start is called on a server that is
// already listening.
var ErrAlreadyRunning = errors.New("workerapi: server already running")
