package topic

import (
	"fmt"
	"regexp"
	"strings"
)

var filterRegex = regexp.MustCompile(`^(([^+#]*|\+)(/([^+#]*|\+))*(/#)?|#)$`)

type TopicFilter struct {
	Value string `json:"value"`
}

func NewFilter(value string) (*TopicFilter, error) {
	if err := checkLength("topic filter", value); err != nil {
		return nil, err
	}

	if !filterRegex.MatchString(value) {
		return nil, fmt.Errorf("topic filter: %s format is invalid", value)
	}

	return &TopicFilter{value}, nil
}

func (f *TopicFilter) Match(name *TopicName) bool {
	levels := strings.Split(name.Value, "/")
	patterns := strings.Split(f.Value, "/")

	if strings.HasPrefix(levels[0], "$") && patterns[0] != levels[0] {
		return false
	}

	for i, pattern := range patterns {
		if pattern == "#" {
			return true
		}

		if i >= len(levels) {
			return false
		}

		if pattern != "+" && pattern != levels[i] {
			return false
		}
	}

	return len(patterns) == len(levels)
}

// MatchString validates value as a topic name before matching it. Invalid
// names never match.
func (f *TopicFilter) MatchString(value string) bool {
	name, err := NewName(value)
	if err != nil {
		return false
	}

	return f.Match(name)
}

func (f *TopicFilter) String() string {
	return f.Value
}
