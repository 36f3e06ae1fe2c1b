// Package testutil provides common test utilities and helpers for ConvoPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// APIResult is a decoded API response whose result is left raw for the
// caller to decode into the type it expects.
type APIResult struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// DoJSON sends a request with a JSON body to url and decodes the API
// response.
func DoJSON(t *testing.T, method, url, body string) (int, APIResult) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out APIResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	return resp.StatusCode, out
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// NewSQLiteStore opens a SQLite store in a temporary directory that is
// closed when the test ends.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// SeedWorkflow saves def as the active workflow.
func SeedWorkflow(t *testing.T, st store.WorkflowStore, def *models.WorkflowDefinition) {
	t.Helper()
	def.Active = true
	if err := st.SaveWorkflow(context.Background(), def); err != nil {
		t.Fatalf("failed to seed workflow: %v", err)
	}
}

// SeedOfferings upserts offerings into the catalog.
func SeedOfferings(t *testing.T, st store.CatalogStore, offerings ...models.Offering) {
	t.Helper()
	for _, o := range offerings {
		if err := st.UpsertOffering(context.Background(), o); err != nil {
			t.Fatalf("failed to seed offering %s: %v", o.ID, err)
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
