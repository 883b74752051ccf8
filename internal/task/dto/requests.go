package dto

// CreateMessageRequest is the POST /tasks/:id/messages body.
type CreateMessageRequest struct {
	Sender      string `json:"sender"`
	Content     string `json:"content"`
	RelatedFile string `json:"related_file"`
	CreatedBy   string `json:"created_by"`
}

// CancelTaskRequest is the optional POST /tasks/:id/cancel body.
type CancelTaskRequest struct {
	Reason string `json:"reason"`
}
