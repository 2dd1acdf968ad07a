package offcache

import "errors"

var (
	// ErrNotHandled is returned by Engine.Handle for requests it must not
	// touch: anything that is not a same-origin GET.
	ErrNotHandled = errors.New("request not handled")

	ErrNetworkUnavailable       = errors.New("network unavailable")
	ErrPrecacheAssetUnavailable = errors.New("precache asset unavailable")
	ErrUnknownCommand           = errors.New("unknown command")

	// ErrBodyTooLarge is returned when an origin response exceeds
	// fetch.maxBody. The origin answered, so it is not a network failure.
	ErrBodyTooLarge = errors.New("response body too large")
)
