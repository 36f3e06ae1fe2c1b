package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

const greetingWorkflow = `{
  "name": "greeting",
  "steps": [
    {"key": "hello", "name": "Hello", "type": "message", "position": 1, "config": {"message": "Hi!"}},
    {"key": "ask_email", "name": "Email", "type": "question", "position": 2,
     "config": {"question": "Your email?", "variable": "email", "validation": {"type": "email"}}}
  ]
}`

func TestDecode(t *testing.T) {
	def, err := Decode(strings.NewReader(greetingWorkflow))
	require.NoError(t, err)
	assert.Equal(t, "greeting", def.Name)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, models.StepTypeQuestion, def.Steps[1].Type)

	_, err = Decode(strings.NewReader(`{"name": "x", "steps": [{"key": "a", "type": "teleport"}]}`))
	assert.ErrorIs(t, err, models.ErrInvalidStepType)

	_, err = Decode(strings.NewReader(`{"name": "x", "stepz": []}`))
	assert.Error(t, err, "unknown fields are rejected")
}

func TestImportFile_Activates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.json")
	require.NoError(t, os.WriteFile(path, []byte(greetingWorkflow), 0o600))

	st := store.NewInMemoryStore()
	def, err := ImportFile(context.Background(), st, path, true)
	require.NoError(t, err)
	assert.NotEmpty(t, def.ID)

	active, err := st.GetActiveWorkflow(context.Background())
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, def.ID, active.ID)

	_, err = ImportFile(context.Background(), st, filepath.Join(t.TempDir(), "missing.json"), true)
	assert.Error(t, err)
}
