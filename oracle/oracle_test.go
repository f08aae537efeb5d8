package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cold-bot/config"
	"cold-bot/models"
	"cold-bot/utils"
)

func testLogger() *utils.Logger { return utils.NewLoggerTo(io.Discard) }

func ollamaServer(t *testing.T, replies ...string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[]}`))
		case "/api/chat":
			var req ollamaRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "json", req.Format)
			n := atomic.AddInt32(&calls, 1)
			reply := replies[min(int(n), len(replies))-1]
			json.NewEncoder(w).Encode(ollamaResponse{Message: ollamaMessage{Role: "assistant", Content: reply}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestOllamaScoreSeller(t *testing.T) {
	srv, calls := ollamaServer(t, `{"is_private": true, "confidence": 8, "reason": "owner writes in first person"}`)
	o := newLLMOracle(newOllama(srv.URL, "llama3.2", 5*time.Second), 5*time.Second, testLogger())

	s, err := o.Score(context.Background(), "Selling my flat myself", PromptContext{Task: TaskSeller})
	require.NoError(t, err)
	require.NotNil(t, s.IsPrivate)
	assert.True(t, *s.IsPrivate)
	assert.InDelta(t, 0.8, s.Confidence, 1e-9)
	assert.Equal(t, "owner writes in first person", s.Reasoning)
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
	assert.NoError(t, o.Ping(context.Background()))
}

func TestScoreRetriesOnceWithStrictPrompt(t *testing.T) {
	srv, calls := ollamaServer(t,
		"Sure! Here you go",
		"```json\n{\"is_private\": false, \"confidence\": \"7\", \"reason\": \"agency logo\", \"agency_name\": \"Immo Plus\"}\n```",
	)
	o := newLLMOracle(newOllama(srv.URL, "", time.Second), time.Second, testLogger())

	s, err := o.Score(context.Background(), "text", PromptContext{Task: TaskSeller})
	require.NoError(t, err)
	assert.False(t, *s.IsPrivate)
	assert.InDelta(t, 0.7, s.Confidence, 1e-9)
	assert.Equal(t, "Immo Plus", s.AgencyName)
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))
}

func TestScoreGivesUpAfterSecondBadAnswer(t *testing.T) {
	srv, _ := ollamaServer(t, "nope", "still nope")
	o := newLLMOracle(newOllama(srv.URL, "", time.Second), time.Second, testLogger())

	_, err := o.Score(context.Background(), "text", PromptContext{Task: TaskSeller})
	assert.ErrorIs(t, err, models.ErrClassification)
}

func TestScoreTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	o := newLLMOracle(newOllama(srv.URL, "", 5*time.Second), 50*time.Millisecond, testLogger())
	_, err := o.Score(context.Background(), "text", PromptContext{Task: TaskSeller})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrOracleUnavailable))
}

func TestXAIScoreViability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Messages[0].Content, "short-term rental")
		assert.Contains(t, req.Messages[0].Content, "Criteria: near the old town")

		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"rating\": 7, \"reason\": \"central\"}"}}]}`))
	}))
	defer srv.Close()

	o := newLLMOracle(newXAI(srv.URL, "", "secret", time.Second), time.Second, testLogger())
	s, err := o.Score(context.Background(), "Studio in the old town", PromptContext{Task: TaskViability, Criteria: "near the old town"})
	require.NoError(t, err)
	require.NotNil(t, s.Rating)
	assert.Equal(t, 7.0, *s.Rating)
	assert.Nil(t, s.IsPrivate)
}

func TestXAIErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	o := newLLMOracle(newXAI(srv.URL, "", "wrong", time.Second), time.Second, testLogger())
	_, err := o.Score(context.Background(), "text", PromptContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrOracleUnavailable)
	assert.Contains(t, err.Error(), "bad key")
}

type fakeInvoker struct {
	body  []byte
	input *bedrockruntime.InvokeModelInput
}

func (f *fakeInvoker) InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.input = in
	return &bedrockruntime.InvokeModelOutput{Body: f.body}, nil
}

func TestBedrockBackend(t *testing.T) {
	inv := &fakeInvoker{body: []byte(`{"content":[{"type":"text","text":"{\"is_private\": true, \"confidence\": 9, \"reason\": \"fsbo\"}"}]}`)}
	o := newLLMOracle(&bedrockBackend{client: inv, modelID: defaultBedrockModel}, time.Second, testLogger())

	s, err := o.Score(context.Background(), "FSBO", PromptContext{Task: TaskSeller})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, s.Confidence, 1e-9)
	assert.Equal(t, defaultBedrockModel, *inv.input.ModelId)

	var req bedrockRequest
	require.NoError(t, json.Unmarshal(inv.input.Body, &req))
	assert.Equal(t, "bedrock-2023-05-31", req.AnthropicVersion)
	assert.True(t, strings.Contains(req.Messages[0].Content[0].Text, "PRIVATE SELLER"))
}

func TestNewRejectsMissingXAIKey(t *testing.T) {
	_, err := New(context.Background(), config.OracleConfig{Provider: "xai", TimeoutSeconds: 1}, testLogger())
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestBuildPromptTruncatesInput(t *testing.T) {
	long := strings.Repeat("é", 2000)
	p := buildPrompt([]rune(long), 1500, PromptContext{Task: TaskSeller, Hints: []string{"owner direct"}})
	assert.Equal(t, 1500, strings.Count(p, "é"))
	assert.Contains(t, p, "Keyword matches: owner direct")
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		raw  string
		ok   bool
		conf float64
	}{
		{`{"is_private": true, "confidence": 6}`, true, 0.6},
		{`Answer: {"is_private": "yes", "confidence": "75%"} thanks`, true, 0.75},
		{`{"is_private": false, "confidence": 3}`, true, 0.3},
		{`{"is_private": true, "confidence": 1}`, true, 0.1},
		{`{"is_private": true, "confidence": 0.5}`, true, 0.05},
		{`{"is_private": false, "confidence": 42}`, true, 0.42},
		{`{"is_private": true, "confidence": 100}`, true, 1},
		{`{"is_private": true, "confidence": 250}`, true, 1},
		{`{"confidence": 5}`, false, 0},
		{`no json here`, false, 0},
	}
	for _, tt := range tests {
		data, err := parseJSON(tt.raw)
		if err != nil {
			if tt.ok {
				t.Errorf("parseJSON(%q) error: %v", tt.raw, err)
			}
			continue
		}
		s, err := toScore(data, TaskSeller)
		if !tt.ok {
			if err == nil {
				t.Errorf("toScore(%q) expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("toScore(%q) error: %v", tt.raw, err)
			continue
		}
		if diff := s.Confidence - tt.conf; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("confidence(%q) = %v; want %v", tt.raw, s.Confidence, tt.conf)
		}
	}
}
