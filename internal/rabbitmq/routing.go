package rabbitmq

import (
	"fmt"
	"strings"
)

// ValidateRoutingKey checks that key is a non-empty, dot-delimited routing
// key without empty segments or wildcards.
func ValidateRoutingKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRoutingKey)
	}
	if len(key) > 255 {
		return fmt.Errorf("%w: longer than 255 bytes", ErrInvalidRoutingKey)
	}
	for _, segment := range strings.Split(key, ".") {
		if segment == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidRoutingKey, key)
		}
		if strings.ContainsAny(segment, "*#") {
			return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidRoutingKey, key)
		}
	}
	return nil
}

// ValidatePattern checks topic binding syntax: "*" matches exactly one
// segment, "#" zero or more, and wildcards must occupy a whole segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	if len(pattern) > 255 {
		return fmt.Errorf("%w: longer than 255 bytes", ErrInvalidPattern)
	}
	for _, segment := range strings.Split(pattern, ".") {
		switch {
		case segment == "":
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPattern, pattern)
		case segment == "*" || segment == "#":
		case strings.ContainsAny(segment, "*#"):
			return fmt.Errorf("%w: %q mixes a wildcard with literal text", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// MatchPattern reports whether key would be routed to a queue bound with
// pattern on a topic exchange.
func MatchPattern(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
