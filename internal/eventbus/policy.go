package eventbus

// DeliveryStrategy determines behaviour when a subscriber's channel is full.
type DeliveryStrategy string

const (
	// StrategyDropOldest removes the oldest event from the channel and
	// enqueues the new one.
	StrategyDropOldest DeliveryStrategy = "drop-oldest"
	// StrategyDropNewest discards the incoming event when the channel is full.
	StrategyDropNewest DeliveryStrategy = "drop-newest"
)

// DeliveryPolicy controls how a topic handles backpressure.
type DeliveryPolicy struct {
	Strategy DeliveryStrategy
}

var defaultPolicy = DeliveryPolicy{Strategy: StrategyDropOldest}

// defaultPolicies maps known topics to their delivery policies. Lifecycle
// transitions must never vanish silently under load; status chatter may.
var defaultPolicies = map[Topic]DeliveryPolicy{
	TopicLifecycleStartup:  {Strategy: StrategyDropOldest},
	TopicLifecycleShutdown: {Strategy: StrategyDropOldest},
	TopicWorkersLifecycle:  {Strategy: StrategyDropOldest},
	TopicClusterBroadcast:  {Strategy: StrategyDropOldest},
	TopicListenerStatus:    {Strategy: StrategyDropNewest},
}

// policyFor returns the delivery policy for a topic, falling back to
// defaultPolicy.
func policyFor(topic Topic, overrides map[Topic]DeliveryPolicy) DeliveryPolicy {
	if overrides != nil {
		if p, ok := overrides[topic]; ok {
			return p
		}
	}
	if p, ok := defaultPolicies[topic]; ok {
		return p
	}
	return defaultPolicy
}
