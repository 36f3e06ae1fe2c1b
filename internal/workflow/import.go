package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

// Decode reads a JSON workflow definition and checks it.
func Decode(r io.Reader) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow %q: %w", def.Name, err)
	}
	return &def, nil
}

// ImportFile saves the workflow in the JSON file at path. With activate set
// the imported workflow becomes the active one.
func ImportFile(ctx context.Context, st store.WorkflowStore, path string, activate bool) (*models.WorkflowDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow file: %w", err)
	}
	defer f.Close()

	def, err := Decode(f)
	if err != nil {
		return nil, err
	}
	if activate {
		def.Active = true
	}
	if err := st.SaveWorkflow(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}
	return def, nil
}
