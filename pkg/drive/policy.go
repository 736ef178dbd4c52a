package drive

import (
	"strings"
)

// MaxNameLength is the longest entry name accepted, in bytes.
const MaxNameLength = 255

// splitPath validates a root-relative path and returns its segments.
// "/" yields no segments.
func splitPath(p string) ([]string, error) {
	if !strings.HasPrefix(p, "/") {
		return nil, newError(ErrInvalidParameter, p, "path must be absolute")
	}
	if p == "/" {
		return nil, nil
	}
	segs := strings.Split(p[1:], "/")
	for _, s := range segs {
		if err := validateName(s); err != nil {
			return nil, newError(ErrInvalidParameter, p, "invalid path segment %q", s)
		}
	}
	return segs, nil
}

func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return newError(ErrInvalidParameter, name, "reserved name")
	case len(name) > MaxNameLength:
		return newError(ErrInvalidParameter, name, "name longer than %d bytes", MaxNameLength)
	case strings.ContainsAny(name, "/\x00"):
		return newError(ErrInvalidParameter, name, "name contains a separator or NUL")
	}
	return nil
}

func joinPath(segs []string) string {
	return "/" + strings.Join(segs, "/")
}

func sameSegments(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// isBeneath reports whether segs lies strictly below ancestor.
func isBeneath(segs, ancestor []string) bool {
	return len(segs) > len(ancestor) && sameSegments(segs[:len(ancestor)], ancestor)
}

// Permission policy
//
// The checks below run under the RootHandler lock and never touch a
// backend: they only look at the shape of the path and the service
// registry.

// isNamespaceDir reports whether segs names one of the default namespace
// directories created with the root.
func (r *RootHandler) isNamespaceDir(segs []string) bool {
	if len(segs) != 1 || r.defaultHandler == nil {
		return false
	}
	_, ok := namespaceType(segs[0])
	return ok
}

// isServiceRoot reports whether segs names a mounted service.
func (r *RootHandler) isServiceRoot(segs []string) bool {
	if len(segs) != 1 {
		return false
	}
	_, ok := r.services[segs[0]]
	return ok
}

// isReadOnly reports whether segs lies in (or is the root of) a read-only
// service.
func (r *RootHandler) isReadOnly(segs []string) bool {
	if len(segs) == 0 {
		return false
	}
	svc, ok := r.services[segs[0]]
	return ok && svc.readOnly
}

// CanAdd reports whether an entry may be created at path.
func (r *RootHandler) CanAdd(path string) bool {
	r.mu.RLock()
	defer r.runlock()

	segs, err := splitPath(path)
	return err == nil && r.canAdd(segs)
}

func (r *RootHandler) canAdd(segs []string) bool {
	if len(segs) == 0 || r.isNamespaceDir(segs) {
		return false
	}
	return !r.isReadOnly(segs) || len(segs) == 1
}

// CanDelete reports whether the entry at path may be deleted through
// DeleteElement. Service roots are removed with RemoveService.
func (r *RootHandler) CanDelete(path string) bool {
	r.mu.RLock()
	defer r.runlock()

	segs, err := splitPath(path)
	return err == nil && r.canDelete(segs)
}

func (r *RootHandler) canDelete(segs []string) bool {
	switch {
	case len(segs) == 0:
		return false
	case r.isNamespaceDir(segs), r.isServiceRoot(segs):
		return false
	case r.isReadOnly(segs):
		return false
	}
	return true
}

// CanRename reports whether the entry at oldPath may be renamed to newPath.
func (r *RootHandler) CanRename(oldPath, newPath string) bool {
	r.mu.RLock()
	defer r.runlock()

	oldSegs, err := splitPath(oldPath)
	if err != nil {
		return false
	}
	newSegs, err := splitPath(newPath)
	if err != nil {
		return false
	}
	return r.canRename(oldSegs, newSegs)
}

func (r *RootHandler) canRename(oldSegs, newSegs []string) bool {
	switch {
	case len(oldSegs) == 0 || len(newSegs) == 0:
		return false
	case r.isNamespaceDir(oldSegs), r.isNamespaceDir(newSegs):
		return false
	case r.isReadOnly(oldSegs), r.isReadOnly(newSegs):
		return false
	case isBeneath(newSegs, oldSegs):
		return false
	}

	if r.isServiceRoot(oldSegs) {
		// Aliases stay at the top level and never shadow another alias.
		return len(newSegs) == 1 && !r.isServiceRoot(newSegs)
	}
	return !r.isServiceRoot(newSegs)
}
