package topic

import "sync"

// Matcher resolves a concrete topic to all registered patterns that match
// it, using a segment trie so one walk answers for the whole pattern set.
// It is safe for concurrent use. The subscription registry builds a fresh
// Matcher per snapshot, so reads on the publish path never contend with
// subscription changes.
type Matcher struct {
	mu   sync.RWMutex
	root *trieNode
}

// trieNode is one level of the pattern trie. Children are keyed by segment
// text; wildcard segments use their wildcard character as the key. Because
// "#" is final-only, a trailing-wildcard child never has children of its own.
type trieNode struct {
	children map[string]*trieNode
	patterns []Pattern
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{root: newTrieNode()}
}

// Add registers a parsed pattern. Adding the same pattern twice is a no-op.
func (m *Matcher) Add(p Pattern) {
	if p.IsZero() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, seg := range p.Segments() {
		key := segmentKey(seg)
		if node.children[key] == nil {
			node.children[key] = newTrieNode()
		}
		node = node.children[key]
	}

	for _, existing := range node.patterns {
		if existing.String() == p.String() {
			return
		}
	}
	node.patterns = append(node.patterns, p)
}

// Remove deletes a pattern. Unknown patterns are ignored.
func (m *Matcher) Remove(p Pattern) {
	if p.IsZero() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, seg := range p.Segments() {
		node = node.children[segmentKey(seg)]
		if node == nil {
			return
		}
	}

	for i, existing := range node.patterns {
		if existing.String() == p.String() {
			node.patterns = append(node.patterns[:i], node.patterns[i+1:]...)
			return
		}
	}
}

// Match returns every registered pattern that matches the topic. The topic
// is normalized before matching; an empty topic matches nothing.
func (m *Matcher) Match(topic string) []Pattern {
	segments := Split(Normalize(topic))
	if len(segments) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Pattern
	matchNode(m.root, segments, 0, &matches)
	return matches
}

// matchNode walks the trie against the topic segments. At every node the
// trailing-wildcard child matches whatever remains, including nothing, so
// its patterns are collected unconditionally.
func matchNode(node *trieNode, segments []string, depth int, matches *[]Pattern) {
	if trailing := node.children[WildcardTrailing]; trailing != nil {
		*matches = append(*matches, trailing.patterns...)
	}

	if depth == len(segments) {
		*matches = append(*matches, node.patterns...)
		return
	}

	if child := node.children[segments[depth]]; child != nil {
		matchNode(child, segments, depth+1, matches)
	}
	if child := node.children[WildcardSingle]; child != nil {
		matchNode(child, segments, depth+1, matches)
	}
}

// Count returns the number of registered patterns.
func (m *Matcher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	countPatterns(m.root, &count)
	return count
}

func countPatterns(node *trieNode, count *int) {
	*count += len(node.patterns)
	for _, child := range node.children {
		countPatterns(child, count)
	}
}

func segmentKey(seg Segment) string {
	switch seg.Kind {
	case SegmentSingle:
		return WildcardSingle
	case SegmentTrailing:
		return WildcardTrailing
	default:
		return seg.Literal
	}
}
