package orders

const (
	TopicOrderCreated   = "order.created"
	TopicOrderCompleted = "order.completed"
	TopicDeliveryFailed = "order.delivery_failed"
	TopicOrderExpired   = "order.expired"
)

// AllTopics is what the audit worker subscribes to.
var AllTopics = []string{TopicOrderCreated, TopicOrderCompleted, TopicDeliveryFailed, TopicOrderExpired}

// TopicFor maps an event type to the topic it is published on.
func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderCreated:
		return TopicOrderCreated
	case EventOrderCompleted:
		return TopicOrderCompleted
	case EventDeliveryFailed:
		return TopicDeliveryFailed
	case EventOrderExpired:
		return TopicOrderExpired
	}
	return ""
}

// Partition key = order_id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
