package topic

// MatchResult is the tri-state outcome of matching a topic against a
// subscription filter. A filter can be syntactically invalid in ways that a
// plain bool can't express (e.g. "foo#"), and callers need to tell that
// apart from a clean non-match.
type MatchResult int

const (
	MatchFalse MatchResult = iota
	MatchTrue
	MatchInvalid
)

// Match reports whether topic matches the subscription filter sub. It walks
// both strings one level at a time the way the broker's own subscription
// matcher does, rather than splitting into slices first, so that malformed
// wildcards ("a+b", "a/#/b") are caught during the walk instead of requiring
// a separate validation pass.
func Match(sub, topic string) MatchResult {
	if len(sub) == 0 || len(topic) == 0 {
		return MatchInvalid
	}
	if (sub[0] == '$') != (topic[0] == '$') {
		return MatchFalse
	}

	spos, tpos := 0, 0
	sb := func(i int) byte {
		idx := spos + i
		if idx < 0 || idx >= len(sub) {
			return 0
		}
		return sub[idx]
	}
	tb := func(i int) byte {
		idx := tpos + i
		if idx < 0 || idx >= len(topic) {
			return 0
		}
		return topic[idx]
	}

	for sb(0) != 0 {
		if tb(0) == '+' || tb(0) == '#' {
			return MatchInvalid
		}

		if sb(0) != tb(0) || tb(0) == 0 {
			switch sb(0) {
			case '+':
				if spos > 0 && sb(-1) != '/' {
					return MatchInvalid
				}
				if sb(1) != 0 && sb(1) != '/' {
					return MatchInvalid
				}
				spos++
				for tb(0) != 0 && tb(0) != '/' {
					if tb(0) == '+' || tb(0) == '#' {
						return MatchInvalid
					}
					tpos++
				}
				if tb(0) == 0 && sb(0) == 0 {
					return MatchTrue
				}

			case '#':
				if spos > 0 && sb(-1) != '/' {
					return MatchInvalid
				}
				if sb(1) != 0 {
					return MatchInvalid
				}
				for tb(0) != 0 {
					if tb(0) == '+' || tb(0) == '#' {
						return MatchInvalid
					}
					tpos++
				}
				return MatchTrue

			default:
				// e.g. "foo/bar" against filter "foo/+/#"
				if tb(0) == 0 && spos > 0 && sb(-1) == '+' && sb(0) == '/' && sb(1) == '#' {
					return MatchTrue
				}

				// No match here, but keep scanning sub for a malformed wildcard.
				for sb(0) != 0 {
					if sb(0) == '#' && sb(1) != 0 {
						return MatchInvalid
					}
					spos++
				}
				return MatchFalse
			}
		} else {
			// sub[spos] == topic[tpos]
			if tb(1) == 0 {
				// e.g. "foo" matching filter "foo/#"
				if sb(1) == '/' && sb(2) == '#' && sb(3) == 0 {
					return MatchTrue
				}
			}
			spos++
			tpos++
			if sb(0) == 0 && tb(0) == 0 {
				return MatchTrue
			} else if tb(0) == 0 && sb(0) == '+' && sb(1) == 0 {
				if spos > 0 && sb(-1) != '/' {
					return MatchInvalid
				}
				spos++
				return MatchTrue
			}
		}
	}

	for tb(0) != 0 {
		if tb(0) == '+' || tb(0) == '#' {
			return MatchInvalid
		}
		tpos++
	}

	return MatchFalse
}

// TopicMatcher adapts Match to the bool-returning store.TopicMatcher
// interface used by retained-message lookups, where the filter has already
// passed ValidateTopicFilter and MatchInvalid can only mean no match.
type TopicMatcher struct{}

func NewTopicMatcher() *TopicMatcher {
	return &TopicMatcher{}
}

func (tm *TopicMatcher) Match(filter, topic string) bool {
	return Match(filter, topic) == MatchTrue
}
