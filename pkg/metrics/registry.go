// Package metrics exposes the drive's Prometheus metrics.
//
// Metrics are off until InitRegistry is called. Until then every constructor
// returns a no-op implementation, so the RootHandler, the storage decorators
// and the garbage collector record unconditionally.
//
//	metrics.InitRegistry()
//	root, err := drive.NewRootHandler(ctx, drive.RootConfig{Metrics: metrics.NewDriveMetrics(), ...})
//	st = storage.WithMetrics("photos", st, metrics.NewStorageMetrics("s3"))
package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "dittodrive"

var (
	// written once by InitRegistry, read-only afterwards
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the registry every drive collector registers with.
// The Go runtime and process collectors are registered alongside. Later
// calls are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		)
		registry = reg
	})
}

// GetRegistry returns the registry, or nil while metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// Family groups, in the order the landing page lists them.
const (
	GroupDrive   = "drive"
	GroupStorage = "storage"
	GroupGC      = "gc"
	GroupRuntime = "runtime"
)

var groupOrder = map[string]int{GroupDrive: 0, GroupStorage: 1, GroupGC: 2, GroupRuntime: 3}

// Family describes one gathered metric family.
type Family struct {
	Name   string
	Help   string
	Type   string
	Group  string
	Series int
}

// Families gathers the registry and returns its families sorted by group
// and name. Vectors only appear once they hold a series. Returns nil while
// metrics are disabled.
func Families() ([]Family, error) {
	reg := GetRegistry()
	if reg == nil {
		return nil, nil
	}

	gathered, err := reg.Gather()
	if err != nil {
		return nil, err
	}

	families := make([]Family, 0, len(gathered))
	for _, mf := range gathered {
		families = append(families, Family{
			Name:   mf.GetName(),
			Help:   mf.GetHelp(),
			Type:   strings.ToLower(mf.GetType().String()),
			Group:  familyGroup(mf.GetName()),
			Series: len(mf.GetMetric()),
		})
	}

	sort.Slice(families, func(i, j int) bool {
		gi, gj := groupOrder[families[i].Group], groupOrder[families[j].Group]
		if gi != gj {
			return gi < gj
		}
		return families[i].Name < families[j].Name
	})
	return families, nil
}

func familyGroup(name string) string {
	switch {
	case strings.HasPrefix(name, namespace+"_gc_"):
		return GroupGC
	case strings.HasPrefix(name, namespace+"_storage_"):
		return GroupStorage
	case strings.HasPrefix(name, namespace+"_process_"), strings.HasPrefix(name, "go_"):
		return GroupRuntime
	default:
		return GroupDrive
	}
}
