package probe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/NTM-Digital/ntmServices/internal/domain"
)

// Classification is the verdict for one check cycle.
type Classification struct {
	Healthy bool
	Reason  string
}

func Healthy() Classification { return Classification{Healthy: true} }

func Failed(reason string) Classification { return Classification{Reason: reason} }

func (c Classification) String() string {
	if c.Healthy {
		return "healthy"
	}
	return "failed: " + c.Reason
}

// ExpectedStatusOK is the only body status the evaluator enforces. Other
// configured values are stored but do not affect classification.
const ExpectedStatusOK = "ok"

// Evaluate classifies an outcome against the monitor's expectation.
// Rules apply in order: transport error, status code, JSON body status.
// A JSON body that fails to parse is treated as absent, not as a failure.
func Evaluate(expect domain.Expectation, out Outcome) Classification {
	if out.Err != nil {
		return Failed("Check failed: " + out.Err.Error())
	}
	if out.StatusCode != http.StatusOK {
		return Failed(fmt.Sprintf("Status code %d", out.StatusCode))
	}
	if expect.Status != ExpectedStatusOK || !isJSON(out.ContentType) || out.BodyErr != nil {
		return Healthy()
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(out.Body, &body); err != nil {
		return Healthy()
	}
	raw, ok := body["status"]
	if !ok {
		return Healthy()
	}
	got := renderStatus(raw)
	if got != expect.Status {
		return Failed(fmt.Sprintf("Expected status \"%s\" but got \"%s\"", expect.Status, got))
	}
	return Healthy()
}

func isJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}

// renderStatus returns string values unquoted and anything else as its JSON text.
func renderStatus(raw json.RawMessage) string {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "null"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
