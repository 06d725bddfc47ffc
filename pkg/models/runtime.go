package models

// RuntimeInfo is served by GET /api/runtime so clients can find the
// event feed and tell whether answers come from a real model.
type RuntimeInfo struct {
	HTTPBaseURL     string `json:"http_base_url"`
	WSBaseURL       string `json:"ws_base_url"`
	Port            int    `json:"port"`
	ModelConfigured bool   `json:"model_configured"`
}
