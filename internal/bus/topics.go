package bus

// Task lifecycle topics.
const (
	TopicTaskQueued    = "task.queued"
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskTimeout   = "task.timeout"
	TopicTaskDeleted   = "task.deleted"
	TopicTaskRecovered = "task.recovered"
)

// Cache topics.
const (
	TopicCacheRefreshed = "cache.refreshed"
)

// TaskEvent is the payload for all task.* topics.
type TaskEvent struct {
	TenantID   string `json:"tenant_id"`
	TaskID     string `json:"task_id"`
	Title      string `json:"title,omitempty"`
	Column     string `json:"column,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
}

// CacheEvent is the payload for cache.* topics.
type CacheEvent struct {
	TenantID string `json:"tenant_id"`
	Kind     string `json:"kind"`
}
