package adapters

import (
	"errors"
	"strings"
)

var errInvalidTopicFilter = errors.New("invalid topic filter")

// ValidateTopicFilter checks an MQTT subscription filter: it must be
// non-empty, '+' and '#' must occupy a whole level, and '#' may only be the
// last level.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return errInvalidTopicFilter
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return errInvalidTopicFilter
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return errInvalidTopicFilter
		}
	}
	return nil
}

// ValidateTopicName checks a concrete publish topic.
func ValidateTopicName(topic string) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return errors.New("invalid topic name")
	}
	return nil
}

// MatchTopic reports whether topic matches filter. '+' matches exactly one
// level and '#' matches any number of trailing levels, including none.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	// Topics starting with '$' are not matched by a leading wildcard.
	if strings.HasPrefix(topic, "$") && (fl[0] == "+" || fl[0] == "#") {
		return false
	}
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
