package tableau

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ErrJobTimeout matches every *TimeoutError.
var ErrJobTimeout = errors.New("tableau: job timed out")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Summary string
	Detail  string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("tableau api: %d %s", e.Status, e.Summary)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Code != "" {
		msg += " (code " + e.Code + ")"
	}
	return msg
}

// TimeoutError is returned by WaitForJob when the job has not completed
// before the deadline.
type TimeoutError struct {
	JobID   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tableau: job %s timed out after %s", e.JobID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrJobTimeout }

type errorBody struct {
	Error struct {
		Summary string `json:"summary"`
		Detail  string `json:"detail"`
		Code    string `json:"code"`
	} `json:"error"`
}

const maxDetail = 300

// decodeError turns an error response into an *APIError. JSON bodies carry
// code/summary/detail. HTML pages come from proxies and gateways in front of
// the server; their title and visible text are kept.
func decodeError(status int, contentType string, body []byte) error {
	e := &APIError{Status: status, Summary: http.StatusText(status)}

	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && (eb.Error.Summary != "" || eb.Error.Code != "") {
		e.Summary = eb.Error.Summary
		e.Detail = eb.Error.Detail
		e.Code = eb.Error.Code
		return e
	}

	trimmed := bytes.TrimSpace(body)
	if strings.Contains(contentType, "html") || bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype html")) || bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html")) {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
			if title := collapse(doc.Find("title").First().Text()); title != "" {
				e.Summary = title
			}
			doc.Find("script, style").Remove()
			e.Detail = truncate(collapse(doc.Find("body").Text()), maxDetail)
			return e
		}
	}

	e.Detail = truncate(collapse(string(trimmed)), maxDetail)
	return e
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
