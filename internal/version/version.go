// Package version implements the View Syncer's ordered version pair and its
// cookie encoding: the monotonic clock used everywhere a client's progress
// through a client group's CVR history must be compared or serialized.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/viewsyncd/viewsyncer/internal/viewsyncer/errors"
)

// Version is the ordered pair (stateVersion, minorVersion). stateVersion is
// assigned by the replica ingester and is already lexicographically ordered;
// minorVersion bumps when the CVR changes without a replica advance.
type Version struct {
	StateVersion string
	MinorVersion uint32
}

// Zero is the minimum version: the CVR of a client group that has never
// been flushed.
var Zero = Version{StateVersion: zeroStateVersion, MinorVersion: 0}

// zeroStateVersion sorts below any replica-assigned stateVersion because it
// is the two-character all-zero string "00" (it is not padded to
// stateVersionWidth).
const zeroStateVersion = "00"

// Ordering is the result of Compare.
type Ordering int

const (
	Less Ordering = iota - 1
	Equal
	Greater
)

// Compare returns the total order of a relative to b: stateVersion first,
// then minorVersion.
func Compare(a, b Version) Ordering {
	switch {
	case a.StateVersion < b.StateVersion:
		return Less
	case a.StateVersion > b.StateVersion:
		return Greater
	}
	switch {
	case a.MinorVersion < b.MinorVersion:
		return Less
	case a.MinorVersion > b.MinorVersion:
		return Greater
	}
	return Equal
}

// LessOrEqual reports whether a sorts at or before b.
func LessOrEqual(a, b Version) bool {
	ord := Compare(a, b)
	return ord == Less || ord == Equal
}

// GreaterOrEqual reports whether a sorts at or after b.
func GreaterOrEqual(a, b Version) bool {
	ord := Compare(a, b)
	return ord == Greater || ord == Equal
}

// Bump returns a new Version. When minor is true, only MinorVersion
// advances (a CVR-only change, e.g. a client added a query); otherwise
// StateVersion advances to newStateVersion and MinorVersion resets to zero
// (a replica advance).
func Bump(v Version, newStateVersion string, minor bool) Version {
	if minor {
		return Version{StateVersion: v.StateVersion, MinorVersion: v.MinorVersion + 1}
	}
	return Version{StateVersion: newStateVersion, MinorVersion: 0}
}

// stateVersionWidth bounds the padded width of the stateVersion segment in a
// cookie. stateVersion tokens observed from the replica stream are expected
// to fit comfortably within it; ToCookie panics on overflow since that would
// silently corrupt lexicographic ordering between cookies.
const stateVersionWidth = 64

// minorVersionWidth is wide enough for any uint32 value.
const minorVersionWidth = 10

const cookieSeparator = ":"

// padByte pads the stateVersion segment on the right so fixed-width cookies
// sort the same way their variable-length contents would: it must compare
// below every byte a real stateVersion token can contain.
const padByte = 0x00

// ToCookie renders v as an opaque string such that byte-lexicographic
// ordering of cookies matches Compare ordering of the versions they encode.
func ToCookie(v Version) string {
	if len(v.StateVersion) > stateVersionWidth {
		panic(fmt.Sprintf("version: stateVersion %q exceeds cookie width %d", v.StateVersion, stateVersionWidth))
	}
	padded := v.StateVersion + strings.Repeat(string(rune(padByte)), stateVersionWidth-len(v.StateVersion))
	return padded + cookieSeparator + fmt.Sprintf("%0*d", minorVersionWidth, v.MinorVersion)
}

// FromCookie parses a cookie produced by ToCookie. An empty cookie is the
// minimum version (Zero), matching spec's "null base cookie equals the
// minimum version".
func FromCookie(cookie string) (Version, error) {
	if cookie == "" {
		return Zero, nil
	}

	if len(cookie) != stateVersionWidth+len(cookieSeparator)+minorVersionWidth {
		return Version{}, errors.BadRequestf("version: malformed cookie length %q", cookie)
	}

	stateSegment := cookie[:stateVersionWidth]
	sep := cookie[stateVersionWidth : stateVersionWidth+len(cookieSeparator)]
	minorSegment := cookie[stateVersionWidth+len(cookieSeparator):]

	if sep != cookieSeparator {
		return Version{}, errors.BadRequestf("version: malformed cookie separator %q", cookie)
	}

	stateVersion := strings.TrimRight(stateSegment, string(rune(padByte)))

	minor, err := strconv.ParseUint(minorSegment, 10, 32)
	if err != nil {
		return Version{}, errors.BadRequestf("version: malformed minorVersion in cookie %q: %v", cookie, err)
	}

	return Version{StateVersion: stateVersion, MinorVersion: uint32(minor)}, nil
}
