package reranker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

type fakeModel struct {
	reply   string
	err     error
	prompts []string
	roles   []schema.ChatMessageType
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, m := range messages {
		f.roles = append(f.roles, m.Role)
		for _, p := range m.Parts {
			if tp, ok := p.(llms.TextContent); ok {
				f.prompts = append(f.prompts, tp.Text)
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

var candidates = []Document{
	{ID: "weather", Content: "rain all week", Score: 0.7},
	{ID: "redis", Content: "we picked redis\nfor caching", Score: 0.6},
	{ID: "deploy", Content: "deploy frozen", Score: 0.5},
}

func TestLLMReranker_Rerank(t *testing.T) {
	model := &fakeModel{reply: "1: 2\n2: 9\n3: 2\n"}
	r := newLLMReranker(model, Config{Model: "test", RequestsPerSecond: 1000})

	got, err := r.Rerank(context.Background(), "which cache?", candidates, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"redis", "weather"}, ids(got))
	assert.InDelta(t, 0.9, got[0].RerankerScore, 1e-6)

	require.Len(t, model.prompts, 1)
	assert.Equal(t, []schema.ChatMessageType{schema.ChatMessageTypeHuman}, model.roles)
	assert.Contains(t, model.prompts[0], "Question: which cache?")
	assert.Contains(t, model.prompts[0], "2. we picked redis for caching")
}

func TestLLMReranker_MissingGradesScoreZero(t *testing.T) {
	model := &fakeModel{reply: "Sure!\n3: 7\n9: 10"}
	r := newLLMReranker(model, Config{Model: "test", RequestsPerSecond: 1000})

	got, err := r.Rerank(context.Background(), "deploy?", candidates, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "weather", "redis"}, ids(got))
}

func TestLLMReranker_Errors(t *testing.T) {
	tests := []struct {
		name    string
		model   *fakeModel
		wantErr error
	}{
		{name: "model failure", model: &fakeModel{err: errors.New("boom")}},
		{name: "no grades", model: &fakeModel{reply: "I cannot help"}, wantErr: ErrUnparseableResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newLLMReranker(tt.model, Config{Model: "test", RequestsPerSecond: 1000})
			_, err := r.Rerank(context.Background(), "q", candidates, 0)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestLLMReranker_RateLimitHonoursContext(t *testing.T) {
	r := newLLMReranker(&fakeModel{reply: "1: 5"}, Config{Model: "test", RequestsPerSecond: 0.001})
	_, err := r.Rerank(context.Background(), "q", candidates[:1], 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Rerank(ctx, "q", candidates[:1], 0)
	assert.Error(t, err)
}

func TestParseGrades(t *testing.T) {
	got := parseGrades("[1]: 10\n 2 = 4.5\n3 - 15\n0: 3\nfoo", 3)
	assert.Equal(t, map[int]float32{0: 1, 1: 0.45, 2: 1}, got)
}
