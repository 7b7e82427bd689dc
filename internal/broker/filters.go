package broker

import (
	"slices"
	"strings"
	"sync"
)

// FilterTree is a prefix tree of topic filters, one node per segment,
// used to find the filters a published topic matches. Shared
// subscriptions are indexed by the filter after their group.
type FilterTree struct {
	mu   sync.RWMutex
	root *filterNode
}

type filterNode struct {
	filters  map[string]struct{} // filters ending at this node
	children map[string]*filterNode
}

func newFilterNode() *filterNode {
	return &filterNode{
		filters:  make(map[string]struct{}),
		children: make(map[string]*filterNode),
	}
}

func (n *filterNode) collect(matches *[]string) {
	for f := range n.filters {
		*matches = append(*matches, f)
	}
}

// NewFilterTree returns an empty tree.
func NewFilterTree() *FilterTree {
	return &FilterTree{root: newFilterNode()}
}

// Add inserts filter. Adding a filter twice is a no-op.
func (t *FilterTree) Add(filter string) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	segments := strings.Split(deliveryFilter(filter), "/")

	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.root
	for _, segment := range segments {
		next, exists := current.children[segment]
		if !exists {
			next = newFilterNode()
			current.children[segment] = next
		}
		current = next
	}
	current.filters[filter] = struct{}{}
	return nil
}

// Remove deletes filter and prunes branches left empty.
func (t *FilterTree) Remove(filter string) {
	if filter == "" {
		return
	}
	segments := strings.Split(deliveryFilter(filter), "/")

	t.mu.Lock()
	defer t.mu.Unlock()

	t.remove(t.root, filter, segments, 0)
}

func (t *FilterTree) remove(node *filterNode, filter string, segments []string, depth int) {
	segment := segments[depth]
	child, exists := node.children[segment]
	if !exists {
		return
	}

	if depth == len(segments)-1 {
		delete(child.filters, filter)
	} else {
		t.remove(child, filter, segments, depth+1)
	}

	if len(child.filters) == 0 && len(child.children) == 0 {
		delete(node.children, segment)
	}
}

// Match returns the filters matching topic, sorted.
func (t *FilterTree) Match(topic string) []string {
	if topic == "" {
		return nil
	}
	segments := strings.Split(topic, "/")

	t.mu.RLock()
	defer t.mu.RUnlock()

	var matches []string
	t.match(t.root, segments, 0, &matches)
	slices.Sort(matches)
	return matches
}

// Matches reports whether any filter matches topic.
func (t *FilterTree) Matches(topic string) bool {
	return len(t.Match(topic)) > 0
}

func (t *FilterTree) match(node *filterNode, segments []string, depth int, matches *[]string) {
	if depth == len(segments) {
		node.collect(matches)
		// "a/#" also matches "a".
		if child, ok := node.children["#"]; ok {
			child.collect(matches)
		}
		return
	}

	segment := segments[depth]
	if child, ok := node.children[segment]; ok {
		t.match(child, segments, depth+1, matches)
	}

	// Wildcards in the first level never match topics starting with '$'.
	if depth == 0 && strings.HasPrefix(segment, "$") {
		return
	}

	if child, ok := node.children["+"]; ok {
		t.match(child, segments, depth+1, matches)
	}
	if child, ok := node.children["#"]; ok {
		child.collect(matches)
	}
}
