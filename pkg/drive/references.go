package drive

import (
	"context"

	"github.com/marmos91/dittodrive/pkg/storage"
)

// References is the set of keys one backend must keep: the records of
// every reachable directory, the chunks of their listings and the chunks
// of the files they contain.
type References struct {
	// Name is "default" or the service alias
	Name string

	// Storage is the backend the keys live in
	Storage storage.Storage

	// Keys holds every referenced key
	Keys map[storage.Key]struct{}
}

// Referenced reports whether key is in the set.
func (r References) Referenced(key storage.Key) bool {
	_, ok := r.Keys[key]
	return ok
}

// InspectReferences walks the whole tree and calls fn with the references
// of every persistent backend. The in-memory root has no backend and is
// not reported.
//
// Mutations are blocked until fn returns, so the sets stay valid for the
// whole call. Content stored directly through the encryptor and not yet
// linked by AddElement is not referenced. fn must not call back into the
// RootHandler.
func (r *RootHandler) InspectReferences(ctx context.Context, fn func(ctx context.Context, refs []References) error) error {
	r.mu.RLock()
	defer r.runlock()

	var all []References

	if r.defaultHandler != nil {
		root, err := r.rootDir(ctx)
		if err != nil {
			return err
		}
		refs := References{Name: r.defaultHandler.Name(), Storage: r.defaultHandler.Storage(), Keys: make(map[storage.Key]struct{})}
		skip := func(name string) bool {
			_, ok := r.services[name]
			return ok
		}
		if err := collectReferences(ctx, r.defaultHandler, root.dir, refs.Keys, skip); err != nil {
			return err
		}
		all = append(all, refs)
	}

	for _, alias := range r.serviceAliases() {
		h := r.services[alias].handler
		root, err := h.Get(ctx, h.RootID(), BackendService)
		if err != nil {
			return err
		}
		refs := References{Name: alias, Storage: h.Storage(), Keys: make(map[storage.Key]struct{})}
		if err := collectReferences(ctx, h, root, refs.Keys, nil); err != nil {
			return err
		}
		all = append(all, refs)
	}

	return fn(ctx, all)
}

// collectReferences adds the keys of dir and its descendants to keys.
// Children of dir for which skip returns true are not descended into.
// Missing descendant directories are skipped.
func collectReferences(ctx context.Context, h *DirectoryHandler, dir Directory, keys map[storage.Key]struct{}, skip func(string) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	keys[directoryKey(dir.Type, dir.ID())] = struct{}{}
	for _, name := range dir.ListingDataMap.StoredChunks() {
		keys[storage.ChunkKey(name)] = struct{}{}
	}

	for _, child := range dir.Listing.Children() {
		if skip != nil && skip(child.Name) {
			continue
		}
		if !child.IsDirectory() {
			for _, name := range child.DataMap.StoredChunks() {
				keys[storage.ChunkKey(name)] = struct{}{}
			}
			continue
		}

		sub, err := h.Get(ctx, *child.DirectoryID, h.childType(dir, child.Name))
		if err != nil {
			if IsCode(err, ErrNotFound) {
				continue
			}
			return err
		}
		if err := collectReferences(ctx, h, sub, keys, nil); err != nil {
			return err
		}
	}
	return nil
}
