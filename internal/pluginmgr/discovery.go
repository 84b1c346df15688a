// Package pluginmgr discovers plugin manifests, spawns and supervises
// plugin processes, and dispatches requests over the short-lived and
// long-lived transports.
package pluginmgr

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/launchkitd/launchkitd/internal/logger"
	"github.com/launchkitd/launchkitd/internal/pluginapi"
)

// manifestFileName is the filename a plugin subdirectory must contain to
// be picked up by discovery.
const manifestFileName = "plugin.yaml"

// Discovered pairs a parsed manifest with the directory it was loaded from
// and the directory's precedence rank (lower rank wins on ID collision).
type Discovered struct {
	Manifest *pluginapi.Manifest
	Dir      string
	Rank     int
}

// DiscoveryError records a single manifest that failed validation; a bad
// manifest is reported but does not abort discovery.
type DiscoveryError struct {
	Dir string
	Err error
}

func (e DiscoveryError) Error() string {
	return fmt.Sprintf("plugin manifest at %s: %v", e.Dir, e.Err)
}

// Discover scans dirs in order (user overrides first, then system) and
// returns one Discovered per valid manifest found, plus any
// per-manifest errors encountered along the way. On an ID collision across
// directories, the lowest-rank (earliest-listed) directory wins.
func Discover(dirs []string) ([]Discovered, []DiscoveryError) {
	var found []Discovered
	var errs []DiscoveryError
	seen := make(map[string]int) // plugin id -> index into found

	for rank, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, DiscoveryError{Dir: dir, Err: err})
			}
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			pluginDir := filepath.Join(dir, entry.Name())
			manifestPath := filepath.Join(pluginDir, manifestFileName)

			data, err := os.ReadFile(manifestPath)
			if err != nil {
				if !os.IsNotExist(err) {
					errs = append(errs, DiscoveryError{Dir: pluginDir, Err: err})
				}
				continue
			}

			m, err := pluginapi.ParseManifest(data)
			if err != nil {
				errs = append(errs, DiscoveryError{Dir: pluginDir, Err: err})
				continue
			}

			d := Discovered{Manifest: m, Dir: pluginDir, Rank: rank}
			if existingIdx, dup := seen[m.ID]; dup {
				if rank < found[existingIdx].Rank {
					found[existingIdx] = d
				}
				continue
			}
			seen[m.ID] = len(found)
			found = append(found, d)
		}
	}

	for _, e := range errs {
		logger.Plugin().Warn().Str("dir", e.Dir).Err(e.Err).Msg("rejecting invalid plugin manifest")
	}
	return found, errs
}
