package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/karen-labs/capsule-core/pkg/manifest"
)

// manifestNames are the file names probed in each capsule directory, in
// preference order.
var manifestNames = []string{"capsule.yaml", "capsule.yml", "capsule.json"}

// Discover scans the immediate subdirectories of root for manifest
// documents and registers them. A malformed capsule is recorded as a
// load error against its directory (or derived ID) and never aborts the
// scan. Returns the number of successfully registered manifests.
//
// Re-running Discover merges: entries whose manifest is unchanged keep
// their cached instance, changed manifests replace the entry, and
// capsules no longer present under root are dropped.
func (r *Registry) Discover(root string) (int, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("registry: scan %s: %w", root, err)
	}

	count := 0
	seen := make(map[string]bool)
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		r.observer.CapsuleDiscovered()

		dirPath := filepath.Join(root, d.Name())
		m, err := loadManifest(dirPath)
		if err != nil {
			r.observer.CapsuleLoadFailed()
			r.recordLoadError(d.Name(), err)
			r.logger.Warn("capsule manifest rejected", "dir", dirPath, "error", err.Error())
			continue
		}

		fp, err := m.Fingerprint()
		if err != nil {
			r.observer.CapsuleLoadFailed()
			r.recordLoadError(m.ID, err)
			continue
		}

		r.mu.Lock()
		r.merge(m, fp, true)
		r.mu.Unlock()

		r.observer.CapsuleLoaded()
		seen[m.ID] = true
		count++
	}

	r.dropUnseen(seen)
	return count, nil
}

func loadManifest(dir string) (*manifest.Manifest, error) {
	for _, name := range manifestNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return manifest.ParseFile(path)
	}
	return nil, fmt.Errorf("no manifest document in %s", dir)
}

func (r *Registry) recordLoadError(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadErrors[key] = err
}

// dropUnseen removes discovery-sourced entries absent from the latest
// scan. Programmatically registered capsules are left alone.
func (r *Registry) dropUnseen(seen map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.fromDiscovery && !seen[id] {
			delete(r.entries, id)
		}
	}
}
