package component

type CancelFn func()

type _DbConsistentKv interface {
	Get(key string) (string, error)
	Set(key string, val string) error
	Del(key string) error
}

type _DbConsistentWatch interface {
	// WatchFolder support watching a prefix
	// After trigger this command, a full fresh of the prefix will be retrieved at once.
	// Then any changes happen inside the prefix will be notified, including children change, children value change.
	// List of possible changes:
	// * Child creation
	// * Child deletion
	// * Child value change
	// Note: If folder does not end up with '/', the char '/' will be automatically added. In order to avoid unexpected key with the same prefix.
	WatchFolder(folder string) (<-chan WatchEvent, CancelFn, error)
}

type ConsistentStore interface {
	_DbConsistentKv
	_DbConsistentWatch
	Close() error
}

type WatchEvent struct {
	// Path is the watched folder
	Path string
	Ev   []WatchEventItem
}

type WatchEventItem struct {
	Key       string
	EventType WatchEventType
}

type WatchEventType int

const (
	WatchEventUnknown WatchEventType = iota
	WatchEventFresh
	WatchEventCreated
	WatchEventModified
	WatchEventDelete
)

func (w WatchEventType) String() string {
	switch w {
	case WatchEventFresh:
		return "fresh"
	case WatchEventCreated:
		return "created"
	case WatchEventModified:
		return "modified"
	case WatchEventDelete:
		return "delete"
	default:
		return "unknown"
	}
}
