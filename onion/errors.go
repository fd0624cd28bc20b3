package onion

import (
	"fmt"

	"github.com/opd-ai/toxnode/limits"
	"github.com/opd-ai/toxnode/transport"
)

var (
	// ErrUnknownPath is returned for responses whose path id is not in the
	// path cache, usually because the path sat idle past its timeout. Such
	// packets are dropped quietly.
	ErrUnknownPath = fmt.Errorf("%w: unknown onion path", transport.ErrDropped)

	// ErrPathCacheFull is returned when no path can be created because the
	// cache holds its maximum number of live paths.
	ErrPathCacheFull = fmt.Errorf("onion path cache full: %w", limits.ErrResourceExhaustion)

	// ErrNotAnnounced is returned for data requests to a key with no live
	// announce entry.
	ErrNotAnnounced = fmt.Errorf("%w: destination not announced", transport.ErrDropped)
)
