// Package topic implements MQTT style topic filter matching.
//
// Topics and filters are split into levels on "/". In a filter, "+" matches exactly one level and
// a trailing "#" matches any number of remaining levels, including none, so "a/#" matches "a".
// A "#" anywhere other than the last level is compared literally.
package topic

import (
	"strings"
)

const (
	Separator           = "/"
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"

	// MatchAll is the filter used when a subscriber doesn't specify any.
	MatchAll = MultiLevelWildcard
)

// Matches reports whether topic matches filter. Comparison is case-sensitive.
func Matches(topic, filter string) bool {
	filterLevels := strings.Split(filter, Separator)
	topicLevels := strings.Split(topic, Separator)

	last := len(filterLevels) - 1
	if filterLevels[last] == MultiLevelWildcard {
		prefix := filterLevels[:last]
		if len(topicLevels) < len(prefix) {
			return false
		}
		return levelsMatch(topicLevels[:len(prefix)], prefix)
	}

	if len(topicLevels) != len(filterLevels) {
		return false
	}
	return levelsMatch(topicLevels, filterLevels)
}

// MatchesAny reports whether topic matches at least one of filters.
func MatchesAny(topic string, filters []string) bool {
	for _, filter := range filters {
		if Matches(topic, filter) {
			return true
		}
	}
	return false
}

func levelsMatch(topicLevels, filterLevels []string) bool {
	for i, level := range filterLevels {
		if level != SingleLevelWildcard && level != topicLevels[i] {
			return false
		}
	}
	return true
}

// ValidateFilter rejects filters that can never be used for a subscription. Only the empty filter
// is rejected, anything else has well defined (if sometimes literal) matching behavior.
func ValidateFilter(filter string) error {
	if filter == "" {
		return errEmptyFilter
	}
	return nil
}

// HasWildcard reports whether the filter contains a wildcard level.
func HasWildcard(filter string) bool {
	for _, level := range strings.Split(filter, Separator) {
		if level == SingleLevelWildcard || level == MultiLevelWildcard {
			return true
		}
	}
	return false
}
