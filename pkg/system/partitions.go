package system

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	romtools "github.com/dogeorg/romtools/pkg"
)

var defaultByNameDirs = []string{
	"/dev/block/by-name",
	"/dev/block/bootdevice/by-name",
}

const platformByNameGlob = "/dev/block/platform/*/by-name"

// Used when no by-name directory can be read.
var fallbackPartitions = romtools.PartitionMap{
	"boot":     "/dev/block/bootdevice/by-name/boot",
	"recovery": "/dev/block/bootdevice/by-name/recovery",
	"system":   "/dev/block/bootdevice/by-name/system",
	"vendor":   "/dev/block/bootdevice/by-name/vendor",
}

type PartitionResolver struct {
	dirs []string
	glob string
	log  logrus.FieldLogger
}

// NewPartitionResolver reads byNameDir when set, otherwise the usual
// Android by-name locations.
func NewPartitionResolver(byNameDir string, log logrus.FieldLogger) *PartitionResolver {
	r := &PartitionResolver{log: log.WithField("component", "partitions")}
	if byNameDir != "" {
		r.dirs = []string{byNameDir}
	} else {
		r.dirs = defaultByNameDirs
		r.glob = platformByNameGlob
	}
	return r
}

// Resolve builds a fresh map on every call. It never fails: an unreadable
// directory yields the fallback table and unresolvable links keep their
// by-name path.
func (r *PartitionResolver) Resolve() romtools.PartitionMap {
	partitions, ok := r.resolve()
	if ok {
		return partitions
	}
	r.log.Warn("No by-name directory found, using fallback partition table")
	out := romtools.PartitionMap{}
	for k, v := range fallbackPartitions {
		out[k] = v
	}
	return out
}

// resolve reads the first non-empty by-name directory. ok is false when
// none could be read.
func (r *PartitionResolver) resolve() (romtools.PartitionMap, bool) {
	dirs := append([]string{}, r.dirs...)
	if r.glob != "" {
		if matches, err := filepath.Glob(r.glob); err == nil {
			sort.Strings(matches)
			dirs = append(dirs, matches...)
		}
	}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) == 0 {
			continue
		}
		partitions := romtools.PartitionMap{}
		for _, entry := range entries {
			link := filepath.Join(dir, entry.Name())
			target, err := filepath.EvalSymlinks(link)
			if err != nil {
				r.log.WithError(err).Debugf("Keeping unresolved link %s", link)
				target = link
			}
			partitions[entry.Name()] = target
		}
		r.log.Debugf("Resolved %d partitions from %s", len(partitions), dir)
		return partitions, true
	}
	return nil, false
}

// Lookup finds name in the map, trying the active A/B slot when the plain
// name is absent.
func Lookup(partitions romtools.PartitionMap, name string, slotSuffix string) (string, bool) {
	if dev, ok := partitions[name]; ok {
		return dev, true
	}
	if slotSuffix != "" {
		if dev, ok := partitions[name+slotSuffix]; ok {
			return dev, true
		}
	}
	return "", false
}
