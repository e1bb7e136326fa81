package messaging

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"

	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

// TopicSeparator separates topic names in configuration values.
const TopicSeparator = "|"

var topicName = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)

// SplitTopics turns "a|b|c" into [a b c]. Whitespace around names is trimmed,
// empty segments are dropped and order is preserved. Duplicates are kept.
// An empty result is both ErrTopicSetup and ErrInvalidTopics.
func SplitTopics(raw string) ([]string, error) {
	topics := lo.Compact(lo.Map(strings.Split(raw, TopicSeparator), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))

	if len(topics) == 0 {
		return nil, fmt.Errorf("split topics %q: %w", raw, errors.Join(werr.ErrTopicSetup, werr.ErrInvalidTopics))
	}

	return topics, nil
}

// ValidateTopics rejects empty sets and names a broker would refuse.
func ValidateTopics(topics []string) error {
	if len(topics) == 0 {
		return fmt.Errorf("validate topics: %w: empty topic set", errors.Join(werr.ErrTopicSetup, werr.ErrInvalidTopics))
	}

	if bad, ok := lo.Find(topics, func(t string) bool { return !topicName.MatchString(t) }); ok {
		return fmt.Errorf("validate topics: %w: invalid name %q", errors.Join(werr.ErrTopicSetup, werr.ErrInvalidTopics), bad)
	}

	return nil
}
