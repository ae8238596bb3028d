package channel

import "streams/internal/model"

// Selector narrows a Sync/Peek pass to a subset of the tangle: a single
// topic, a single publisher, or a topic and everything nested under it.
// A nil-value field means that dimension is unconstrained. Selectors are
// combined by union: a candidate matches if it satisfies any one of them.
type Selector struct {
	topic      string
	identifier *model.Identifier
	ancestor   string
}

// TopicSelector matches only messages on topic.
func TopicSelector(topic string) Selector {
	return Selector{topic: model.NormalizeTopic(topic)}
}

// IdentifierSelector matches only messages published by id, on any topic.
func IdentifierSelector(id model.Identifier) Selector {
	return Selector{identifier: &id}
}

// AncestorSelector matches topic and every branch nested under it
// ("a/b" matches "a/b", "a/b/c", but not "a" or "a/bc").
func AncestorSelector(topic string) Selector {
	return Selector{ancestor: model.NormalizeTopic(topic)}
}

func (s Selector) matchesTopic(topic string) bool {
	switch {
	case s.topic != "":
		return topic == s.topic
	case s.ancestor != "":
		return topic == s.ancestor || len(topic) > len(s.ancestor) && topic[:len(s.ancestor)+1] == s.ancestor+"/"
	default:
		return true
	}
}

func (s Selector) matchesPublisher(id model.Identifier) bool {
	if s.identifier == nil {
		return true
	}
	return s.identifier.Equal(id)
}

// anySelectorMatches reports whether topic/publisher satisfies any of
// selectors. An empty selector list is unconstrained: it matches
// everything, so a caller with no Selective preference gets full Sync
// behavior for free.
func anySelectorMatches(selectors []Selector, topic string, publisher model.Identifier) bool {
	if len(selectors) == 0 {
		return true
	}
	for _, sel := range selectors {
		if sel.matchesTopic(topic) && sel.matchesPublisher(publisher) {
			return true
		}
	}
	return false
}
