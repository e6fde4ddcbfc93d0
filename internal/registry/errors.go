package registry

import "errors"

// ErrUnknownButler is returned by Heartbeat when the butler is absent from
// both the registry table and static configuration (404 per spec §4.3).
var ErrUnknownButler = errors.New("registry: unknown butler")
