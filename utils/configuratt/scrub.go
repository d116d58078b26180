package configuratt

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/caracal-pipeline/stimela/utils/ordered"
)

// takeScrubPatterns pops a _scrub/_scrub_post key, normalising to a list
func takeScrubPatterns(conf *ordered.Map, key string) []string {
	value, ok := conf.Lookup(key)
	if !ok {
		return nil
	}
	conf.Delete(key)
	switch v := value.(type) {
	case string:
		return []string{v}
	case []interface{}:
		patterns := make([]string, 0, len(v))
		for _, item := range v {
			patterns = append(patterns, fmt.Sprintf("%v", item))
		}
		return patterns
	}
	return nil
}

// applyScrub removes subsections matching the given dotted patterns
// (supporting * and ? per component) from a mapping
func applyScrub(conf *ordered.Map, patterns []string) error {
	for _, pattern := range patterns {
		if err := scrubPattern(conf, strings.Split(pattern, ".")); err != nil {
			return ConfigError{Msg: fmt.Sprintf("_scrub pattern '%s'", pattern), Nested: err}
		}
	}
	return nil
}

func scrubPattern(conf *ordered.Map, components []string) error {
	head, rest := components[0], components[1:]
	for _, key := range conf.Keys() {
		matched, err := doublestar.Match(head, key)
		if err != nil {
			return err
		}
		if !matched {
			continue
		}
		if len(rest) == 0 {
			conf.Delete(key)
			continue
		}
		if sub, ok := conf.Get(key).(*ordered.Map); ok {
			if err := scrubPattern(sub, rest); err != nil {
				return err
			}
		}
	}
	return nil
}
