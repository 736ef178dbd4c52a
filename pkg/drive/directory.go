package drive

import (
	"github.com/marmos91/dittodrive/pkg/encrypt"
)

// Directory bundles a listing with what is needed to persist it.
//
// A Directory value is transient. The authoritative listing lives in the
// owning DirectoryHandler's cache; a Directory returned by the handler
// points at that listing, so mutations through it are visible to later
// Gets even before Put.
type Directory struct {
	// ParentID is the id of the parent listing (zero for the root)
	ParentID DirectoryID

	// Listing holds the children
	Listing *DirectoryListing

	// ListingDataMap is the data map of the listing's last persisted bytes
	// (nil if the listing has never been stored)
	ListingDataMap *encrypt.DataMap

	// Type is the namespace the directory is persisted in
	Type BackendType
}

// ID returns the id of the directory's listing.
func (d Directory) ID() DirectoryID {
	if d.Listing == nil {
		return DirectoryID{}
	}
	return d.Listing.DirectoryID()
}

// Valid reports whether the directory has a listing.
func (d Directory) Valid() bool {
	return d.Listing != nil
}

// Clone returns a copy that shares no state with d.
func (d Directory) Clone() Directory {
	out := Directory{ParentID: d.ParentID, ListingDataMap: d.ListingDataMap.Clone(), Type: d.Type}
	if d.Listing != nil {
		out.Listing = d.Listing.Clone()
	}
	return out
}
