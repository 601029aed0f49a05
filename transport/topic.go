package transport

import "strings"

// MatchTopic reports whether topic matches the MQTT subscription filter.
// "+" matches exactly one level and a trailing "#" matches the remaining
// levels, including none. Topics starting with "$" never match a filter
// that starts with a wildcard.
func MatchTopic(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if strings.HasPrefix(topic, "$") && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, part := range fl {
		if part == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if part != "+" && part != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// IsWildcard reports whether filter contains an MQTT wildcard level.
func IsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// DotTopic maps an MQTT topic onto the dotted naming used by NATS subjects
// and Kafka topics. Characters outside [A-Za-z0-9._-] become "_".
func DotTopic(topic string) string {
	var b strings.Builder
	b.Grow(len(topic))
	for _, r := range topic {
		switch {
		case r == '/':
			b.WriteByte('.')
		case r == '.' || r == '_' || r == '-',
			r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
