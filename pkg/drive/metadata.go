package drive

import (
	"io/fs"
	"time"

	"github.com/marmos91/dittodrive/pkg/encrypt"
)

// Attributes is the platform attribute block of an entry.
type Attributes struct {
	Size      uint64      `cbor:"size"`
	Mode      fs.FileMode `cbor:"mode"`
	Nlink     uint32      `cbor:"nlink"`
	UID       uint32      `cbor:"uid"`
	GID       uint32      `cbor:"gid"`
	Atime     time.Time   `cbor:"atime"`
	Mtime     time.Time   `cbor:"mtime"`
	Ctime     time.Time   `cbor:"ctime"`
	Birthtime time.Time   `cbor:"btime"`
}

// MetaData describes one entry of a directory.
//
// Exactly one of DirectoryID and DataMap is set: directories carry the id
// of their own listing, files carry the data map of their content.
type MetaData struct {
	Name        string           `cbor:"name"`
	Attributes  Attributes       `cbor:"attr"`
	DirectoryID *DirectoryID     `cbor:"dir,omitempty"`
	DataMap     *encrypt.DataMap `cbor:"data,omitempty"`
}

// NewDirectoryMetaData returns metadata for a new, empty directory with a
// fresh DirectoryID.
func NewDirectoryMetaData(name string, mode fs.FileMode) MetaData {
	id := NewDirectoryID()
	now := time.Now()
	return MetaData{
		Name: name,
		Attributes: Attributes{
			Mode:      fs.ModeDir | mode.Perm(),
			Nlink:     2,
			Atime:     now,
			Mtime:     now,
			Ctime:     now,
			Birthtime: now,
		},
		DirectoryID: &id,
	}
}

// NewFileMetaData returns metadata for a new, empty file.
func NewFileMetaData(name string, mode fs.FileMode) MetaData {
	now := time.Now()
	return MetaData{
		Name: name,
		Attributes: Attributes{
			Mode:      mode.Perm(),
			Nlink:     1,
			Atime:     now,
			Mtime:     now,
			Ctime:     now,
			Birthtime: now,
		},
		DataMap: &encrypt.DataMap{},
	}
}

// IsDirectory reports whether the entry is a directory.
func (m *MetaData) IsDirectory() bool {
	return m.DirectoryID != nil
}

// AllocatedSize returns the size of the content a file holds; 0 for
// directories. This is what removing the file gives back to the drive.
func (m *MetaData) AllocatedSize() int64 {
	if m.IsDirectory() || m.DataMap == nil {
		return 0
	}
	return int64(m.DataMap.Size)
}

// UpdateLastModifiedTime sets mtime and ctime to now.
func (m *MetaData) UpdateLastModifiedTime() {
	now := time.Now()
	m.Attributes.Mtime = now
	m.Attributes.Ctime = now
}

// Clone returns a deep copy.
func (m MetaData) Clone() MetaData {
	if m.DirectoryID != nil {
		id := *m.DirectoryID
		m.DirectoryID = &id
	}
	m.DataMap = m.DataMap.Clone()
	return m
}

func (m *MetaData) validate() error {
	if m.Name == "" || len(m.Name) > MaxNameLength {
		return newError(ErrInvalidParameter, "", "invalid entry name %q", m.Name)
	}
	if (m.DirectoryID == nil) == (m.DataMap == nil) {
		return newError(ErrInvalidParameter, m.Name, "entry must have exactly one of directory id and data map")
	}
	if m.DirectoryID != nil && m.DirectoryID.IsZero() {
		return newError(ErrInvalidParameter, m.Name, "directory entry has an uninitialised id")
	}
	return nil
}
