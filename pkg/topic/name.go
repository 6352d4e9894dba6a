// Package topic validates topic names and MQTT-style topic filters.
//
// Relay topics and upstream event names are both slash separated names.
// Filters may use "+" for exactly one level and a trailing "#" for any number
// of remaining levels. Names whose first level starts with "$" are reserved
// for the server and are only matched by filters naming that level explicitly.
package topic

import (
	"fmt"
	"regexp"
	"strings"
)

const maxLength = 65535

var nameRegex = regexp.MustCompile(`^[^#+]+$`)

type TopicName struct {
	Value string `json:"value"`
}

func NewName(value string) (*TopicName, error) {
	if err := checkLength("topic name", value); err != nil {
		return nil, err
	}

	if !nameRegex.MatchString(value) {
		return nil, fmt.Errorf("topic name: %s format is invalid", value)
	}

	return &TopicName{value}, nil
}

func (t *TopicName) IsServerSpecific() bool {
	return strings.HasPrefix(t.Value, "$")
}

func (t *TopicName) String() string {
	return t.Value
}

func (t TopicName) MarshalText() ([]byte, error) {
	return []byte(t.Value), nil
}

func (t *TopicName) UnmarshalText(data []byte) error {
	name, err := NewName(string(data))
	if err != nil {
		return err
	}

	t.Value = name.Value

	return nil
}

func checkLength(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}

	if len(value) > maxLength {
		return fmt.Errorf("%s: cannot have more than %d bytes", kind, maxLength)
	}

	return nil
}
