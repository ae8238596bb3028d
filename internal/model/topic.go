package model

import (
	"golang.org/x/text/unicode/norm"

	"streams/internal/cryptographic/hashing"
)

// NormalizeTopic NFC-normalizes a topic string, per spec.md §6 ("Topic
// strings are NFC-normalized UTF-8"), so that visually identical topics
// entered with different Unicode compositions still name the same branch.
func NormalizeTopic(topic string) string {
	return norm.NFC.String(topic)
}

// TopicRef is the 32-byte hash referenced by an envelope's topic_ref
// field (spec.md §4.A).
func TopicRef(topic string) [32]byte {
	return hashing.Sum256([]byte(NormalizeTopic(topic)))
}
