package drive

import (
	"sort"
)

// DirectoryListing is the ordered (by name) set of children of one
// directory. Names are unique and compared exactly.
//
// A listing is a pure in-memory structure; persisting it is the caller's
// job. It is not safe for concurrent mutation.
type DirectoryListing struct {
	id       DirectoryID
	children []MetaData

	// iteration snapshot taken by ResetChildrenIterator
	iter    []MetaData
	iterPos int
}

// NewDirectoryListing returns an empty listing with the given id.
func NewDirectoryListing(id DirectoryID) *DirectoryListing {
	return &DirectoryListing{id: id}
}

// DirectoryID returns the immutable id of the listing.
func (l *DirectoryListing) DirectoryID() DirectoryID {
	return l.id
}

func (l *DirectoryListing) search(name string) (int, bool) {
	i := sort.Search(len(l.children), func(i int) bool { return l.children[i].Name >= name })
	return i, i < len(l.children) && l.children[i].Name == name
}

// HasChild reports whether a child named name exists.
func (l *DirectoryListing) HasChild(name string) bool {
	_, found := l.search(name)
	return found
}

// GetChild returns a copy of the child named name.
func (l *DirectoryListing) GetChild(name string) (MetaData, error) {
	i, found := l.search(name)
	if !found {
		return MetaData{}, newError(ErrNotFound, name, "no such entry")
	}
	return l.children[i].Clone(), nil
}

// AddChild inserts meta. Fails with ErrAlreadyExists if the name is taken.
func (l *DirectoryListing) AddChild(meta MetaData) error {
	i, found := l.search(meta.Name)
	if found {
		return newError(ErrAlreadyExists, meta.Name, "entry already exists")
	}
	l.children = append(l.children, MetaData{})
	copy(l.children[i+1:], l.children[i:])
	l.children[i] = meta.Clone()
	return nil
}

// RemoveChild removes the child named name and returns it.
func (l *DirectoryListing) RemoveChild(name string) (MetaData, error) {
	i, found := l.search(name)
	if !found {
		return MetaData{}, newError(ErrNotFound, name, "no such entry")
	}
	removed := l.children[i]
	l.children = append(l.children[:i], l.children[i+1:]...)
	return removed, nil
}

// UpdateChild replaces the child with the same name as meta.
func (l *DirectoryListing) UpdateChild(meta MetaData) error {
	i, found := l.search(meta.Name)
	if !found {
		return newError(ErrNotFound, meta.Name, "no such entry")
	}
	l.children[i] = meta.Clone()
	return nil
}

// ResetChildrenIterator snapshots the current children for NextChild.
func (l *DirectoryListing) ResetChildrenIterator() {
	l.iter = l.Children()
	l.iterPos = 0
}

// NextChild returns the next child of the snapshot taken by the last
// ResetChildrenIterator, or false when exhausted.
func (l *DirectoryListing) NextChild() (MetaData, bool) {
	if l.iterPos >= len(l.iter) {
		return MetaData{}, false
	}
	m := l.iter[l.iterPos]
	l.iterPos++
	return m, true
}

// Children returns a copy of all children in name order.
func (l *DirectoryListing) Children() []MetaData {
	out := make([]MetaData, len(l.children))
	for i, c := range l.children {
		out[i] = c.Clone()
	}
	return out
}

// Len returns the number of children.
func (l *DirectoryListing) Len() int {
	return len(l.children)
}

// Clone returns a deep copy of the listing (without iterator state).
func (l *DirectoryListing) Clone() *DirectoryListing {
	return &DirectoryListing{id: l.id, children: l.Children()}
}
