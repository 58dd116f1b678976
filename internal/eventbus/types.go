package eventbus

import (
	"encoding/json"
	"time"
)

// Topic identifies a logical channel on the bus.
type Topic string

const (
	TopicLifecycleStartup  Topic = "lifecycle.startup"
	TopicLifecycleShutdown Topic = "lifecycle.shutdown"
	TopicClusterBroadcast  Topic = "cluster.broadcast"
	TopicWorkersLifecycle  Topic = "workers.lifecycle"
	TopicListenerStatus    Topic = "listener.status"
)

// Source describes which component produced an event.
type Source string

const (
	SourceSupervisor Source = "supervisor"
	SourceWorker     Source = "worker"
	SourceListener   Source = "listener"
	SourceCluster    Source = "cluster"
	SourceControl    Source = "control"
	SourceUnknown    Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// LifecycleEvent marks a process-wide lifecycle transition. The name is
// carried by the topic; the payload only records when and in which worker
// the transition happened.
type LifecycleEvent struct {
	WorkerID string
	At       time.Time
}

// WorkerState summarises supervisor-observed worker transitions.
type WorkerState string

const (
	WorkerStateRunning WorkerState = "running"
	WorkerStateExiting WorkerState = "exiting"
	WorkerStateDead    WorkerState = "dead"
)

// WorkerLifecycleEvent notifies consumers about worker slot transitions.
type WorkerLifecycleEvent struct {
	WorkerID string
	PID      int
	State    WorkerState
	ExitCode *int
	Respawn  bool
}

// ClusterMessageEvent carries an inter-worker broadcast received from the
// supervisor's relay. Payload bytes are opaque to the core; application
// code imposes further structure.
type ClusterMessageEvent struct {
	MessageID string
	Sender    string
	Payload   json.RawMessage
	Received  time.Time
}

// ListenerStatusEvent reports a listener binding.
type ListenerStatusEvent struct {
	Scheme  string
	Address string
	Port    int
}

// Typed topic descriptors. Each TopicDef binds a Topic constant to its
// payload type, enabling compile-time enforcement via Publish and
// SubscribeTo.

// Lifecycle groups process lifecycle topic descriptors.
var Lifecycle = struct {
	Startup  TopicDef[LifecycleEvent]
	Shutdown TopicDef[LifecycleEvent]
}{
	Startup:  NewTopicDef[LifecycleEvent](TopicLifecycleStartup),
	Shutdown: NewTopicDef[LifecycleEvent](TopicLifecycleShutdown),
}

// Cluster groups inter-worker messaging topic descriptors.
var Cluster = struct {
	Broadcast TopicDef[ClusterMessageEvent]
}{
	Broadcast: NewTopicDef[ClusterMessageEvent](TopicClusterBroadcast),
}

// Workers groups supervisor-side worker topic descriptors.
var Workers = struct {
	Lifecycle TopicDef[WorkerLifecycleEvent]
}{
	Lifecycle: NewTopicDef[WorkerLifecycleEvent](TopicWorkersLifecycle),
}

// Listeners groups listener topic descriptors.
var Listeners = struct {
	Status TopicDef[ListenerStatusEvent]
}{
	Status: NewTopicDef[ListenerStatusEvent](TopicListenerStatus),
}
