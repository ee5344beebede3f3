package notifyapi

import (
	"slices"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"
)

// WatchedType is an opaque identifier of a category of external data.
type WatchedType string

// WatchedTypes is a set of WatchedType. The zero value is not usable, use NewWatchedTypes.
type WatchedTypes struct {
	set mapset.Set[WatchedType]
}

// NewWatchedTypes drops empty identifiers and duplicates.
func NewWatchedTypes(types ...WatchedType) WatchedTypes {
	return WatchedTypes{set: mapset.NewThreadUnsafeSet(lo.Compact(types)...)}
}

// ParseWatchedTypes converts raw strings such as request bodies
func ParseWatchedTypes(raw []string) WatchedTypes {
	return NewWatchedTypes(lo.Map(raw, func(s string, _ int) WatchedType {
		return WatchedType(s)
	})...)
}

func (w WatchedTypes) inner() mapset.Set[WatchedType] {
	if w.set == nil {
		return mapset.NewThreadUnsafeSet[WatchedType]()
	}
	return w.set
}

func (w WatchedTypes) Len() int {
	return w.inner().Cardinality()
}

func (w WatchedTypes) IsEmpty() bool {
	return w.Len() == 0
}

func (w WatchedTypes) Contains(t WatchedType) bool {
	return w.inner().Contains(t)
}

// Slice returns the identifiers in ascending order
func (w WatchedTypes) Slice() []WatchedType {
	s := w.inner().ToSlice()
	slices.Sort(s)
	return s
}

func (w WatchedTypes) Strings() []string {
	return lo.Map(w.Slice(), func(t WatchedType, _ int) string {
		return string(t)
	})
}

func (w WatchedTypes) Intersect(o WatchedTypes) WatchedTypes {
	return WatchedTypes{set: w.inner().Intersect(o.inner())}
}

func (w WatchedTypes) Difference(o WatchedTypes) WatchedTypes {
	return WatchedTypes{set: w.inner().Difference(o.inner())}
}

func (w WatchedTypes) Equal(o WatchedTypes) bool {
	return w.inner().Equal(o.inner())
}

func (w WatchedTypes) Clone() WatchedTypes {
	return WatchedTypes{set: w.inner().Clone()}
}

// EntryPointHandle is an opaque reference to code runnable in a background worker context.
type EntryPointHandle int64

func (h EntryPointHandle) String() string {
	return strconv.FormatInt(int64(h), 10)
}

// QueryID identifies one live observer query of a Source
type QueryID string

type StartOutcome int

const (
	StartOutcomeStarting StartOutcome = iota
	StartOutcomeAlreadyRunning
	StartOutcomeNoTypesConfigured
	StartOutcomeWorkerBootstrapFailed
	StartOutcomeStoreFailed
	StartOutcomeCancelled
)

func (s StartOutcome) String() string {
	switch s {
	case StartOutcomeStarting:
		return "starting"
	case StartOutcomeAlreadyRunning:
		return "already_running"
	case StartOutcomeNoTypesConfigured:
		return "no_types_configured"
	case StartOutcomeWorkerBootstrapFailed:
		return "worker_bootstrap_failed"
	case StartOutcomeStoreFailed:
		return "store_failed"
	case StartOutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type State int

const (
	StateStopped State = iota
	// StateStarting is the part of running while authorization is pending
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Running reports whether the state counts as running, Starting included
func (s State) Running() bool {
	return s != StateStopped
}

type Frequency int

const (
	FrequencyImmediate Frequency = iota
	FrequencyHourly
	FrequencyDaily
	FrequencyWeekly
)

func (f Frequency) String() string {
	switch f {
	case FrequencyImmediate:
		return "immediate"
	case FrequencyHourly:
		return "hourly"
	case FrequencyDaily:
		return "daily"
	case FrequencyWeekly:
		return "weekly"
	default:
		return "unknown"
	}
}

func ParseFrequency(s string) (Frequency, error) {
	switch s {
	case "", "immediate":
		return FrequencyImmediate, nil
	case "hourly":
		return FrequencyHourly, nil
	case "daily":
		return FrequencyDaily, nil
	case "weekly":
		return FrequencyWeekly, nil
	default:
		return FrequencyImmediate, ErrUnknownFrequency
	}
}
