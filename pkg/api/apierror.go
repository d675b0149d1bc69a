// Package api is the HTTP surface of a commitgate node. Every error
// response is an RFC 7807 problem document carrying a machine code.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/commitgate/pkg/auth"
	"github.com/Mindburn-Labs/commitgate/pkg/service"
)

const problemTypeBase = "https://commitgate.dev/errors/"

// ProblemDetail implements RFC 7807 with a commitgate error code extension.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes p, filling Type and request context when missing.
func WriteProblem(w http.ResponseWriter, r *http.Request, p ProblemDetail) {
	if p.Type == "" {
		if p.Code != "" {
			p.Type = problemTypeBase + p.Code
		} else {
			p.Type = fmt.Sprintf("%s%d", problemTypeBase, p.Status)
		}
	}
	if r != nil {
		p.Instance = r.URL.Path
		p.TraceID = auth.GetRequestID(r.Context())
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem without a machine code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	WriteProblem(w, r, ProblemDetail{Title: title, Status: status, Detail: detail})
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, ProblemDetail{Title: "Bad Request", Status: http.StatusBadRequest, Code: service.CodeMalformed, Detail: detail})
}

// WriteUnauthorized has the signature auth.RequireCaller expects.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="commitgate"`)
	WriteProblem(w, r, ProblemDetail{Title: "Unauthorized", Status: http.StatusUnauthorized, Code: service.CodeInvalidToken, Detail: detail})
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal logs err and never exposes it.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "error", err, "request_id", auth.GetRequestID(r.Context()))
	WriteProblem(w, r, ProblemDetail{
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Code:   service.CodeInternal,
		Detail: "An unexpected error occurred. Please try again later.",
	})
}

var codeStatus = map[string]struct {
	status int
	title  string
}{
	service.CodeUnauthorized:     {http.StatusForbidden, "Caller Not Permitted"},
	service.CodeNotAuthorized:    {http.StatusForbidden, "Agent Not Authorized"},
	service.CodeInvalidToken:     {http.StatusUnauthorized, "Unauthorized"},
	service.CodeExpired:          {http.StatusBadRequest, "Request Expired"},
	service.CodeAlreadyConsumed:  {http.StatusConflict, "Already Consumed"},
	service.CodeInvalidSignature: {http.StatusUnprocessableEntity, "Invalid Signature"},
	service.CodeSignerMismatch:   {http.StatusUnprocessableEntity, "Signer Mismatch"},
	service.CodeInvalidProof:     {http.StatusUnprocessableEntity, "Invalid Proof"},
	service.CodeDomainNotAllowed: {http.StatusUnprocessableEntity, "Domain Not Allowed"},
	service.CodeTooLong:          {http.StatusBadRequest, "Locator Too Long"},
	service.CodeMalformed:        {http.StatusBadRequest, "Bad Request"},
	service.CodeVersionConflict:  {http.StatusConflict, "Version Conflict"},
}

// WriteProtocolError maps a protocol error onto its status and code.
// Unrecognized errors become a sanitized 500.
func WriteProtocolError(w http.ResponseWriter, r *http.Request, err error) {
	code := service.ErrorCode(err)
	m, ok := codeStatus[code]
	if !ok {
		WriteInternal(w, r, err)
		return
	}
	WriteProblem(w, r, ProblemDetail{Title: m.title, Status: m.status, Code: code, Detail: err.Error()})
}
