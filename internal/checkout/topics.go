package checkout

const (
	TopicSessionCreated   = "checkout.session.created"
	TopicSessionFinalized = "checkout.session.finalized"
	TopicWebhookRetry     = "checkout.webhook.retry"
)

// Partition key = session_id, so every event of one session stays in order.
func PartitionKey(sessionID string) []byte { return []byte(sessionID) }
