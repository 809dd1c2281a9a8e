package capabilities

import "strings"

const anyPlatform = "ANY"

// Matches reports whether a slot offering stereotype can host a session asking for requested.
//
// Only browserName, browserVersion and platformName take part; legacy "version" and
// "platform" are read as their W3C counterparts. A key the request leaves out matches
// anything. Extension keys are ignored.
func Matches(requested, stereotype Capabilities) bool {
	if name := requested.BrowserName(); name != "" {
		if stereotype.BrowserName() != name {
			return false
		}
	}

	if version := requested.BrowserVersion(); version != "" {
		if stereotype.BrowserVersion() != version {
			return false
		}
	}

	if platform := requested.PlatformName(); platform != "" && !strings.EqualFold(platform, anyPlatform) {
		offered := stereotype.PlatformName()
		if offered == "" {
			return false
		}
		if !strings.EqualFold(offered, anyPlatform) && !strings.EqualFold(offered, platform) {
			return false
		}
	}

	return true
}

// MatchesAny reports whether any of the alternatives matches stereotype.
func MatchesAny(alternatives []Capabilities, stereotype Capabilities) bool {
	for _, c := range alternatives {
		if Matches(c, stereotype) {
			return true
		}
	}
	return false
}
