// Package precache keeps a bucket of build-time declared resources in sync
// with a manifest of {url, revision} entries.
//
// Each entry is stored under a content-addressed identity (the URL plus its
// revision), so reconciliation only fetches entries whose identity is absent
// and deletes identities the manifest no longer names. Running Reconcile
// twice with the same manifest performs no fetches the second time.
//
// Example usage:
//
//	manifest, err := precache.LoadManifest("precache-manifest.yaml")
//	mgr, err := precache.NewManager(precache.DefaultConfig(), scope, store, fetcher, logger)
//	mgr.SetManifest(manifest)
//	report, err := mgr.Reconcile(ctx)
//	if errors.Is(err, precache.ErrPrecacheIncomplete) {
//		// partial progress is kept; retry on the next install
//	}
//
// Manifest URLs are matched exactly during reconciliation. Request matching
// through Route additionally strips ignored query parameters and tries the
// directory index and clean URL forms.
package precache
