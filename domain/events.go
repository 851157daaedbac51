package domain

// Realtime event names delivered to room subscribers.
const (
	EventNewTask     = "new_task"
	EventTaskUpdated = "task_updated"
	EventTaskDeleted = "task_deleted"
)

// TaskDeletedEventData is the payload of a task_deleted event.
type TaskDeletedEventData struct {
	TaskID string `json:"task_id"`
}
