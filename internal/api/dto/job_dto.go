package dto

type ListJobsRequest struct {
	Queue     string `form:"queue"`
	JobName   string `form:"job_name"`
	Status    string `form:"status"`
	SessionID string `form:"session_id"`
	PageSize  int    `form:"page_size"`
	Cursor    string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID        string `json:"job_id"`
	QueueName    string `json:"queue_name"`
	JobName      string `json:"job_name"`
	SessionID    string `json:"session_id,omitempty"`
	Status       string `json:"status"`
	AttemptsMade int    `json:"attempts_made"`
	MaxAttempts  int    `json:"max_attempts"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
}
