package drive

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/marmos91/dittodrive/pkg/encrypt"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// Persisted format
//
// A directory is stored in two parts:
//
//  1. The listing (children and their metadata) is encoded as deterministic
//     CBOR and stored through the encryptor, yielding a listing data map.
//  2. A small directory record, keyed by "dir/<type>/<id>", holds the
//     parent id, the type and the CBOR-encoded listing data map inside an
//     XDR envelope.
//
// Only the record is addressable by directory id; the listing chunks are
// reachable solely through it.

const (
	listingVersion = 1
	recordVersion  = 1
)

// encMode is Core Deterministic Encoding (RFC 8949 §4.2): the same listing
// always produces identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("drive: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("drive: CBOR decoder initialization failed: " + err.Error())
	}
}

type listingWire struct {
	Version  uint8       `cbor:"v"`
	ID       DirectoryID `cbor:"id"`
	Children []MetaData  `cbor:"children"`
}

// directoryRecord is the XDR envelope stored under the directory key.
type directoryRecord struct {
	Version    uint32
	ParentID   [16]byte
	Type       uint32
	ListingMap []byte
}

func encodeListing(l *DirectoryListing) ([]byte, error) {
	children := l.children
	if children == nil {
		children = []MetaData{}
	}
	return encMode.Marshal(listingWire{Version: listingVersion, ID: l.id, Children: children})
}

func decodeListing(data []byte) (*DirectoryListing, error) {
	var wire listingWire
	if err := decMode.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding listing: %w", err)
	}
	if wire.Version != listingVersion {
		return nil, fmt.Errorf("unsupported listing version %d", wire.Version)
	}

	l := NewDirectoryListing(wire.ID)
	for i := range wire.Children {
		child := wire.Children[i]
		if err := child.validate(); err != nil {
			return nil, fmt.Errorf("listing %s: %w", wire.ID, err)
		}
		if i > 0 && wire.Children[i-1].Name >= child.Name {
			return nil, fmt.Errorf("listing %s: children out of order at %q", wire.ID, child.Name)
		}
		l.children = append(l.children, child)
	}
	return l, nil
}

func encodeRecord(d Directory) ([]byte, error) {
	listingMap, err := encMode.Marshal(d.ListingDataMap)
	if err != nil {
		return nil, fmt.Errorf("encoding listing data map: %w", err)
	}

	rec := directoryRecord{
		Version:    recordVersion,
		ParentID:   d.ParentID,
		Type:       uint32(d.Type),
		ListingMap: listingMap,
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return nil, fmt.Errorf("encoding directory record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (DirectoryID, BackendType, *encrypt.DataMap, error) {
	var rec directoryRecord
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &rec); err != nil {
		return DirectoryID{}, 0, nil, fmt.Errorf("decoding directory record: %w", err)
	}
	if rec.Version != recordVersion {
		return DirectoryID{}, 0, nil, fmt.Errorf("unsupported directory record version %d", rec.Version)
	}

	var dm encrypt.DataMap
	if err := decMode.Unmarshal(rec.ListingMap, &dm); err != nil {
		return DirectoryID{}, 0, nil, fmt.Errorf("decoding listing data map: %w", err)
	}
	if err := dm.Validate(); err != nil {
		return DirectoryID{}, 0, nil, err
	}
	return DirectoryID(rec.ParentID), BackendType(rec.Type), &dm, nil
}
