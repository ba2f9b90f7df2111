package models

// These structs define the JSON payloads exchanged between the Cloud
// Workflow and the worker Cloud Functions. The document envelope is the
// cross-stage contract: every stage receives it, enriches it and returns it.

// ClassifyRequest is the input for the classifier function.
type ClassifyRequest struct {
	Document    Document `json:"document"`
	ExecutionID string   `json:"executionId"`
}

// ClassifyResponse is the output of the classifier function.
type ClassifyResponse struct {
	Document Document `json:"document"`
}
