// File: internal/web/types.go
package web

import "github.com/nullmap-sec/riskgraph/api/schemas"

// apiResponse is the JSON envelope every API endpoint answers with.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// createSessionRequest is the body of POST /api/v1/sessions.
type createSessionRequest struct {
	Name       string `json:"name"`
	RootDomain string `json:"root_domain,omitempty"`
}

// importRequest is the body of POST /api/v1/import. Either SessionID selects
// an existing session, or SessionName (plus an optional RootDomain) names one
// to create on first use.
type importRequest struct {
	SessionID   string                 `json:"session_id,omitempty"`
	SessionName string                 `json:"session_name,omitempty"`
	RootDomain  string                 `json:"root_domain,omitempty"`
	Targets     []schemas.TargetRecord `json:"targets"`
}

// healthResponse reports process and storage reachability.
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}
