package genai

import (
	"context"
	"errors"
	"testing"

	gemini "github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/util"
)

type stubProvider struct {
	name   string
	key    string
	reply  string
	closed bool
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(ctx context.Context, req Request) (string, error) {
	return s.reply + ":" + s.key, nil
}

func (s *stubProvider) Close() error {
	s.closed = true
	return nil
}

func TestRouter_DefaultProviderAndCaching(t *testing.T) {
	builds := 0
	var built []*stubProvider
	r := NewRouter("stub", util.Credentials{APIKey: "k1"})
	r.RegisterFactory("stub", func(creds util.Credentials) (Provider, error) {
		builds++
		p := &stubProvider{name: "stub", key: creds.APIKey, reply: "hi"}
		built = append(built, p)
		return p, nil
	})

	out, err := r.Complete(context.Background(), Request{Messages: []Message{{Role: models.RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "hi:k1", out)
	_, err = r.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, builds)

	p, err := r.Get("stub", util.Credentials{TenantID: "default", APIKey: "k2"})
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
	assert.True(t, built[0].closed, "client built with stale credentials should be closed")
	assert.Equal(t, "k2", p.(*stubProvider).key)

	assert.Equal(t, []string{"stub"}, r.Providers())
	require.NoError(t, r.Close())
	assert.True(t, built[1].closed)
}

func TestRouter_UnknownProviderAndFactoryError(t *testing.T) {
	r := NewRouter("missing", util.Credentials{})
	_, err := r.Complete(context.Background(), Request{})
	assert.ErrorContains(t, err, "provider not found")

	boom := errors.New("no key")
	r.RegisterFactory("broken", func(util.Credentials) (Provider, error) { return nil, boom })
	_, err = r.Get("broken", util.Credentials{TenantID: "t"})
	assert.ErrorIs(t, err, boom)
}

func TestOpenAIFactory(t *testing.T) {
	p, err := OpenAIFactory(WithTemperature(0.5))(util.Credentials{TenantID: "t", APIKey: "key", Extra: map[string]string{"model": "gpt-x"}})
	require.NoError(t, err)
	c := p.(*Client)
	assert.Equal(t, "gpt-x", c.model)
	assert.Equal(t, 0.5, c.temperature)
}

func TestGeminiContents(t *testing.T) {
	_, _, err := geminiContents(nil)
	assert.Error(t, err)

	history, last, err := geminiContents([]Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
		{Role: models.RoleUser, Content: "book"},
	})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "model", history[1].Role)
	assert.Equal(t, gemini.Text("book"), last)
}

func TestGeminiText(t *testing.T) {
	_, err := geminiText(nil)
	assert.ErrorIs(t, err, ErrEmptyGeminiResponse)

	resp := &gemini.GenerateContentResponse{Candidates: []*gemini.Candidate{{
		Content: &gemini.Content{Parts: []gemini.Part{gemini.Text(`{"state":`), gemini.Text(`"greeting"}`)}},
	}}}
	out, err := geminiText(resp)
	require.NoError(t, err)
	assert.Equal(t, `{"state":"greeting"}`, out)

	_, err = geminiText(&gemini.GenerateContentResponse{Candidates: []*gemini.Candidate{{Content: &gemini.Content{}}}})
	assert.ErrorIs(t, err, ErrEmptyGeminiResponse)
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), "", "", 0)
	assert.Error(t, err)
}
