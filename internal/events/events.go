package events

import "github.com/asaskevich/EventBus"

// GlobalBus is the shared event bus for the entire application
var GlobalBus EventBus.Bus

func init() {
	GlobalBus = EventBus.New()
}

// Event types for application-wide coordination
const (
	// Shutdown events
	EventShutdownRequested = "app:shutdown:requested"
	EventShutdownComplete  = "app:shutdown:complete"

	// Transfer queue events; payload is the full queue snapshot,
	// subscribers replace their view rather than patching it.
	EventQueueUpdated = "queue:updated"

	// Watcher events
	EventWatcherStarted = "watcher:started"
	EventWatcherStopped = "watcher:stopped"

	// External edit events; payload is an editbridge.Status value.
	EventEditStatus = "edit:status"

	// Cleanup events
	EventCleanupRequested = "app:cleanup:requested"
)
