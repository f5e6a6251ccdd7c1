package rastermill

// ResolveCollections determines the target collections for a decoded path.
// An explicit collection segment targets exactly that collection; a path
// without one fans out across every active collection under the catalog,
// which is how a single bundled source file (one download, one parse) feeds
// many derived products.
func ResolveCollections(store ConfigStore, catalogSlug, collectionSlug string) (*Catalog, []Collection, error) {
	cat, err := store.Catalog(catalogSlug)
	if err != nil {
		return nil, nil, err
	}
	if collectionSlug != "" {
		coll, err := store.Collection(catalogSlug, collectionSlug)
		if err != nil {
			return nil, nil, err
		}
		return cat, []Collection{*coll}, nil
	}
	colls, err := store.Collections(catalogSlug)
	if err != nil {
		return nil, nil, err
	}
	if len(colls) == 0 {
		return nil, nil, ErrNoActiveCollections
	}
	return cat, colls, nil
}
