package remote

import (
	"context"
	"strings"
	"time"
)

// Transport is the short-range wireless adapter the core drives. All failures
// must be returned as (or wrap) the sentinel errors in this package so that
// Classify can map them; the core never sees a raw transport error otherwise.
type Transport interface {
	// Ready reports whether the adapter can be used at all. Returns an error
	// wrapping ErrAdapterDisabled or ErrPermissionDenied when preconditions
	// are unmet.
	Ready() error

	// Scan starts discovery, invoking onFound for every advertisement whose
	// services match serviceFilter (empty filter matches everything). The
	// returned stop function cancels the subscription; calling it twice is
	// safe.
	Scan(serviceFilter []string, onFound func(Device)) (stop func(), err error)

	// OpenLink opens a link to deviceID, failing within timeout.
	OpenLink(ctx context.Context, deviceID string, timeout time.Duration) (Link, error)

	// DiscoverServices returns the service UUIDs offered by the linked device.
	DiscoverServices(ctx context.Context, link Link) ([]string, error)

	// Write delivers an encoded command to a characteristic and waits for the
	// acknowledgement.
	Write(ctx context.Context, link Link, serviceUUID, characteristicUUID string, data []byte) error

	// SetLinkLostHandler registers the out-of-band disconnect notification.
	SetLinkLostHandler(fn func(deviceID string, cause error))

	// SetAdapterStateHandler registers adapter power-state notifications.
	SetAdapterStateHandler(fn func(powered bool))
}

// Link is a live logical connection to one peripheral. The controller is its
// exclusive owner.
type Link interface {
	DeviceID() string
	Active() bool
	Close() error
}

func equalUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}

func containsUUID(uuids []string, want string) bool {
	for _, u := range uuids {
		if equalUUID(u, want) {
			return true
		}
	}
	return false
}
