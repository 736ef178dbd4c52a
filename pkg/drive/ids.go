package drive

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/marmos91/dittodrive/pkg/storage"
)

// DirectoryID identifies one persisted directory listing.
// The zero value means "uninitialised".
type DirectoryID uuid.UUID

// NewDirectoryID returns a fresh random DirectoryID.
func NewDirectoryID() DirectoryID {
	return DirectoryID(uuid.New())
}

// ParseDirectoryID parses the canonical string form of an id.
func ParseDirectoryID(s string) (DirectoryID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return DirectoryID{}, newError(ErrInvalidParameter, "", "invalid directory id %q", s)
	}
	return DirectoryID(id), nil
}

// IsZero reports whether the id is uninitialised.
func (id DirectoryID) IsZero() bool {
	return id == DirectoryID{}
}

// String returns the canonical string form of the id.
func (id DirectoryID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler.
func (id DirectoryID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DirectoryID) UnmarshalText(text []byte) error {
	parsed, err := uuid.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("invalid directory id %q: %w", text, err)
	}
	*id = DirectoryID(parsed)
	return nil
}

// BackendType tags the storage namespace a directory is persisted in.
// It is part of the storage key, so changing it means re-persisting.
type BackendType uint32

const (
	// BackendOwner is the private namespace of the default backend (and the root)
	BackendOwner BackendType = iota

	// BackendGroup is the shared namespace of the default backend
	BackendGroup

	// BackendWorld is the public namespace of the default backend
	BackendWorld

	// BackendService is the namespace of a mounted service backend
	BackendService
)

// String returns the lowercase name of the type.
func (t BackendType) String() string {
	switch t {
	case BackendOwner:
		return "owner"
	case BackendGroup:
		return "group"
	case BackendWorld:
		return "world"
	case BackendService:
		return "service"
	default:
		return fmt.Sprintf("type%d", uint32(t))
	}
}

// namespaceDirs are the top-level directories CreateRoot makes in the
// default backend, with the type of everything below them.
var namespaceDirs = []struct {
	Name string
	Type BackendType
}{
	{"Owner", BackendOwner},
	{"Group", BackendGroup},
	{"World", BackendWorld},
}

// namespaceType returns the type of the default namespace directory name.
func namespaceType(name string) (BackendType, bool) {
	for _, ns := range namespaceDirs {
		if ns.Name == name {
			return ns.Type, true
		}
	}
	return 0, false
}

// directoryKey returns the storage key of a directory record.
func directoryKey(t BackendType, id DirectoryID) storage.Key {
	return storage.Key(storage.DirectoryPrefix + t.String() + "/" + id.String())
}

// parseDirectoryKey is the inverse of directoryKey.
func parseDirectoryKey(key storage.Key) (BackendType, DirectoryID, bool) {
	rest, ok := strings.CutPrefix(string(key), storage.DirectoryPrefix)
	if !ok {
		return 0, DirectoryID{}, false
	}
	typeName, idStr, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, DirectoryID{}, false
	}
	for _, t := range []BackendType{BackendOwner, BackendGroup, BackendWorld, BackendService} {
		if t.String() == typeName {
			id, err := uuid.Parse(idStr)
			if err != nil {
				return 0, DirectoryID{}, false
			}
			return t, DirectoryID(id), true
		}
	}
	return 0, DirectoryID{}, false
}
