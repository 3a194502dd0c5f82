package job

// DocumentRequest asks for a document's content to be chunked and embedded.
type DocumentRequest struct {
	DocumentID string         `json:"documentId"`
	Content    string         `json:"content"`
	SourceType string         `json:"sourceType"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TextRequest embeds free text that belongs to no document.
type TextRequest struct {
	Content       string         `json:"content"`
	SourceType    string         `json:"sourceType"`
	AccountID     string         `json:"accountId,omitempty"`
	OpportunityID string         `json:"opportunityId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type Accepted struct {
	JobID string `json:"jobId"`
}
