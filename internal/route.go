package internal

import (
	"strings"
)

// routePlaceholder replaces identifiers that are not major parameters.
const routePlaceholder = ":id"

// maxSnowflakeDigits is the longest decimal representation of an id.
const maxSnowflakeDigits = 20

// NormalizeRoute maps a concrete path to the route used for rate limit
// accounting. Ids directly after channels or guilds stay literal, every
// other numeric segment becomes a placeholder, and anything beneath
// reactions collapses into a single route.
func NormalizeRoute(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	route := make([]string, 0, len(segments))

	var previous string

	for _, segment := range segments {
		if previous == "reactions" {
			break
		}

		if isSnowflake(segment) && previous != "channels" && previous != "guilds" {
			route = append(route, routePlaceholder)
		} else {
			route = append(route, segment)
		}

		previous = segment
	}

	return "/" + strings.Join(route, "/")
}

// BucketKey returns the handler key for a request.
func BucketKey(method, path string) string {
	return strings.ToUpper(method) + " " + NormalizeRoute(path)
}

func isSnowflake(segment string) bool {
	if segment == "" || len(segment) > maxSnowflakeDigits {
		return false
	}

	for i := 0; i < len(segment); i++ {
		if segment[i] < '0' || segment[i] > '9' {
			return false
		}
	}

	return true
}

// isReactionRoute returns true for routes that share the reaction reset.
func isReactionRoute(route string) bool {
	return strings.HasSuffix(route, "/reactions") || strings.Contains(route, "/reactions/")
}
