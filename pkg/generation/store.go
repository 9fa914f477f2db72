package generation

import (
	"slices"
	"sync"
)

// Change describes what an Upsert did.
type Change int

const (
	Unchanged Change = iota // node already evaluated (or root); content untouched
	Inserted                // node was absent
	Promoted                // placeholder became evaluated in place
)

// Store is the append-only set of generation nodes. Each mutator is atomic;
// nothing is ever removed. Reads return copies.
type Store struct {
	mu    sync.RWMutex
	nodes map[ID]*Node
}

// NewStore creates a Store holding only the root.
func NewStore() *Store {
	return &Store{
		nodes: map[ID]*Node{
			RootID: {ID: RootID, Kind: KindRoot},
		},
	}
}

// Upsert inserts n if its id is unknown, promotes a placeholder with the
// same id in place (keeping its children), and otherwise leaves the stored
// node untouched. The incoming node's children are ignored.
func (s *Store) Upsert(n Node) Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[n.ID]
	if !ok {
		c := n.clone()
		c.Children = nil
		s.nodes[n.ID] = &c
		return Inserted
	}
	if existing.Kind != KindPlaceholder || n.Kind != KindEvaluated {
		return Unchanged
	}
	children := existing.Children
	*existing = n.clone()
	existing.Children = children
	return Promoted
}

// EnsureNode returns the node for id, creating a placeholder if it is
// unknown. The boolean reports whether a placeholder was created.
func (s *Store) EnsureNode(id ID) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[id]; ok {
		return n.clone(), false
	}
	n := &Node{ID: id, Kind: KindPlaceholder}
	s.nodes[id] = n
	return n.clone(), true
}

// LinkChild records child under parent, keeping children ascending. It is
// a no-op if the link exists or the parent is unknown.
func (s *Store) LinkChild(parent, child ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.nodes[parent]
	if !ok {
		return false
	}
	i, found := slices.BinarySearch(p.Children, child)
	if found {
		return false
	}
	p.Children = slices.Insert(p.Children, i, child)
	return true
}

// Get returns a copy of the node for id.
func (s *Store) Get(id ID) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// ChildrenOf returns the child ids of id in ascending order.
func (s *Store) ChildrenOf(id ID) []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	return append([]ID(nil), n.Children...)
}

// Exists reports whether id is known, as any kind of node.
func (s *Store) Exists(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// Len returns the number of nodes, root included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Path returns the ids from the root down to id. A chain that dead-ends at
// a placeholder (whose parent is not known yet) starts at that placeholder.
func (s *Store) Path(id ID) []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var path []ID
	seen := make(map[ID]bool)
	for {
		n, ok := s.nodes[id]
		if !ok || seen[id] {
			break
		}
		seen[id] = true
		path = append(path, id)
		if n.Kind != KindEvaluated {
			break
		}
		id = n.Parent
	}
	slices.Reverse(path)
	return path
}

// Heads returns the ids of all leaves reachable from the root, ascending.
func (s *Store) Heads() []ID {
	var heads []ID
	s.Walk(func(n Node, _ int) bool {
		if len(n.Children) == 0 {
			heads = append(heads, n.ID)
		}
		return true
	})
	slices.Sort(heads)
	return heads
}

// Walk visits the tree rooted at RootID depth-first, parents before
// children, children in ascending order. Returning false from fn skips the
// node's subtree.
func (s *Store) Walk(fn func(n Node, depth int) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.walk(RootID, 0, fn)
}

func (s *Store) walk(id ID, depth int, fn func(Node, int) bool) {
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	if !fn(n.clone(), depth) {
		return
	}
	for _, c := range n.Children {
		s.walk(c, depth+1, fn)
	}
}

// Tree returns a deep copy of the tree rooted at RootID.
func (s *Store) Tree() *Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree(RootID)
}

func (s *Store) tree(id ID) *Tree {
	n := s.nodes[id]
	t := &Tree{Node: n.clone()}
	for _, c := range n.Children {
		if _, ok := s.nodes[c]; ok {
			t.Subtrees = append(t.Subtrees, s.tree(c))
		}
	}
	return t
}
