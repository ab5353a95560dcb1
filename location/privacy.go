package location

import (
	"fmt"
	"math"
	"math/rand"
)

// Sharing is a user's location sharing preference.
type Sharing string

const (
	SharingOff         Sharing = "off"
	SharingLive        Sharing = "live"
	SharingApproximate Sharing = "approximate"

	// sharingLegacyOn predates the live/approximate split and behaves
	// exactly like live wherever it is still stored.
	sharingLegacyOn Sharing = "on"
)

// metersPerDegree is the rough length of one degree of latitude.
const metersPerDegree = 111000.0

// Policy is a user's sharing preference plus the precision used when the
// preference is approximate.
type Policy struct {
	Sharing         Sharing
	PrecisionMeters float64
}

// Shares reports whether the policy exposes any position to friends.
func (p Policy) Shares() bool {
	switch p.Sharing {
	case SharingLive, SharingApproximate, sharingLegacyOn:
		return true
	}
	return false
}

// Resolved is the storable and shareable form of a raw coordinate.
type Resolved struct {
	Lat      float64
	Lng      float64
	Accuracy float64
	Shared   bool
}

// Apply maps a raw coordinate through the policy. The raw coordinate is
// always returned for internal storage, even when sharing is off; Shared
// controls whether it may ever reach the broadcast path.
//
// Approximate draws fresh randomness on every call so that repeated reports
// of the same spot are not re-identifiable.
func (p Policy) Apply(lat, lng, accuracy float64) Resolved {
	switch p.Sharing {
	case SharingLive, sharingLegacyOn:
		return Resolved{Lat: lat, Lng: lng, Accuracy: accuracy, Shared: true}
	case SharingApproximate:
		precision := p.PrecisionMeters
		if precision < 1 {
			precision = 1
		}
		deg := precision / metersPerDegree
		return Resolved{
			Lat:      lat + (rand.Float64()*2-1)*deg,
			Lng:      lng + (rand.Float64()*2-1)*deg,
			Accuracy: math.Max(accuracy, precision),
			Shared:   true,
		}
	default:
		return Resolved{Lat: lat, Lng: lng, Accuracy: accuracy, Shared: false}
	}
}

func validateCoordinate(lat, lng, accuracy float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrValidation, lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrValidation, lng)
	}
	if accuracy < 0 {
		return fmt.Errorf("%w: negative accuracy %v", ErrValidation, accuracy)
	}
	return nil
}
