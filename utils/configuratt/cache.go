package configuratt

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// cacheVersion is folded into cache keys; bump to invalidate old entries
const cacheVersion = "1"

type cacheFile struct {
	Deps *Deps        `yaml:"deps"`
	Conf *ordered.Map `yaml:"conf"`
}

// cacheKey derives the cache file name from the file list and load options
func cacheKey(filelist []string, opts Options) string {
	h := xxhash.New()
	h.WriteString(cacheVersion)
	for _, path := range filelist {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		h.WriteString(path)
		h.WriteString("\x00")
	}
	h.WriteString(fmt.Sprintf("inc=%v self=%v name=%s", opts.Includes, opts.Selfrefs, opts.Name))
	return fmt.Sprintf("%016x.yaml", h.Sum64())
}

func cachePath(filelist []string, opts Options) string {
	return filepath.Join(config.CacheDir(), cacheKey(filelist, opts))
}

// cacheLookup returns the cached merged config if all dependencies are
// still up to date
func cacheLookup(filelist []string, opts Options) (*ordered.Map, *Deps, bool) {
	path := cachePath(filelist, opts)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, false
	}
	var entry cacheFile
	if err := yaml.Unmarshal(data, &entry); err != nil {
		config.DebugLog("configuratt: discarding unreadable cache %s: %v", path, err)
		return nil, nil, false
	}
	if entry.Deps == nil || entry.Conf == nil || !entry.Deps.UpToDate() {
		return nil, nil, false
	}
	return entry.Conf, entry.Deps, true
}

// cacheStore writes the merged config and its dependencies to the cache,
// atomically by rename
func cacheStore(filelist []string, opts Options, conf *ordered.Map, deps *Deps) {
	dir := config.CacheDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		config.DebugLog("configuratt: can't create cache dir %s: %v", dir, err)
		return
	}
	data, err := yaml.Marshal(cacheFile{Deps: deps, Conf: conf})
	if err != nil {
		config.DebugLog("configuratt: can't serialise cache entry: %v", err)
		return
	}
	path := cachePath(filelist, opts)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		config.DebugLog("configuratt: can't write cache file %s: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		config.DebugLog("configuratt: can't rename cache file: %v", err)
		os.Remove(tmp)
	}
}
