package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
		_, _ = w.Write(MustMarshalJSON(t, models.Success(map[string]string{"id": "x1"})))
	}))
	defer srv.Close()

	code, out := DoJSON(t, http.MethodPost, srv.URL, `{}`)
	AssertHTTPStatus(t, http.StatusCreated, code, "post")
	if out.Status != "ok" {
		t.Errorf("expected status ok, got %q", out.Status)
	}
	var result map[string]string
	MustUnmarshalJSON(t, out.Result, &result)
	if result["id"] != "x1" {
		t.Errorf("expected id x1, got %v", result)
	}
}

func TestSeedHelpersOnSQLite(t *testing.T) {
	st := NewSQLiteStore(t)
	ctx := context.Background()

	SeedWorkflow(t, st, &models.WorkflowDefinition{
		Name: "greeting",
		Steps: []models.WorkflowStep{
			{Key: "hello", Name: "Hello", Type: models.StepTypeMessage, Position: 1, Config: map[string]any{"message": "Hi!"}},
		},
	})
	active, err := st.GetActiveWorkflow(ctx)
	if err != nil || active == nil || active.Name != "greeting" {
		t.Fatalf("expected seeded workflow to be active, got %+v (err %v)", active, err)
	}

	SeedOfferings(t, st, models.Offering{ID: "cut", DisplayNames: map[string]string{"en": "Haircut"}, Price: 25, Currency: "USD", Active: true})
	offerings, err := st.ListActiveOfferings(ctx)
	if err != nil || len(offerings) != 1 {
		t.Fatalf("expected one offering, got %d (err %v)", len(offerings), err)
	}
}
