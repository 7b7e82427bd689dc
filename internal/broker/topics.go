package broker

import (
	"fmt"
	"slices"
	"strings"
)

const sharePrefix = "$share/"

// ValidateTopicFilter checks a subscription filter: '#' must be the whole
// last segment and '+' must be a whole segment. Empty levels are allowed.
// A shared subscription "$share/<group>/<filter>" needs a group without
// wildcards and a valid filter after it.
func ValidateTopicFilter(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if strings.ContainsRune(topic, 0) {
		return fmt.Errorf("topic cannot contain null characters")
	}

	if rest, ok := strings.CutPrefix(topic, sharePrefix); ok {
		group, filter, found := strings.Cut(rest, "/")
		if !found || group == "" || strings.ContainsAny(group, "+#") {
			return fmt.Errorf("shared subscription needs a group name without wildcards")
		}
		if filter == "" {
			return fmt.Errorf("shared subscription needs a topic filter after the group")
		}
		topic = filter
	}

	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		if strings.Contains(segment, "#") {
			if segment != "#" {
				return fmt.Errorf("# wildcard must occupy entire segment")
			}
			if i != len(segments)-1 {
				return fmt.Errorf("# wildcard must be the last segment")
			}
		}

		if strings.Contains(segment, "+") && segment != "+" {
			return fmt.Errorf("+ wildcard must occupy entire segment")
		}
	}

	return nil
}

// deliveryFilter returns the part of filter that delivered topics are
// matched against: the filter itself, or the filter after the group of a
// shared subscription.
func deliveryFilter(filter string) string {
	if rest, ok := strings.CutPrefix(filter, sharePrefix); ok {
		if _, f, found := strings.Cut(rest, "/"); found {
			return f
		}
	}
	return filter
}

// diffTopics returns the members of a missing from b.
func diffTopics(a, b map[string]struct{}) []string {
	var out []string
	for topic := range a {
		if _, ok := b[topic]; !ok {
			out = append(out, topic)
		}
	}
	slices.Sort(out)
	return out
}

func toSet(topics []string) map[string]struct{} {
	set := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		set[topic] = struct{}{}
	}
	return set
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for topic := range set {
		out = append(out, topic)
	}
	slices.Sort(out)
	return out
}
