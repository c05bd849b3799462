package scorer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/evaluate", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{
			"answers": [
				{"question_number": 1, "score": [4, 5], "remark": "minor slip"},
				{"question_number": 2, "score": [5, 5]}
			],
			"summary": {"totalScore": [9, 10], "percentage": 90},
			"text": "transcribed answers"
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test")
	payload, err := c.Score(context.Background(), Request{
		QuestionPaper: DocumentRef{URL: "https://store.local/qp.png", Topic: "Algebra"},
		AnswerKey:     DocumentRef{URL: "https://store.local/key.png"},
		StudentAnswer: AnswerRef{URL: "https://store.local/sheet.pdf", ZipURL: "https://store.local/sheet.zip"},
		StudentInfo:   StudentInfo{ExternalID: "S-001", Name: "Asha Rao"},
		TestID:        7,
		RetryAttempt:  1,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(7), got.TestID)
	assert.Equal(t, 1, got.RetryAttempt)
	assert.Equal(t, "https://store.local/sheet.zip", got.StudentAnswer.ZipURL)

	require.Len(t, payload.Answers, 2)
	assert.Equal(t, [2]float64{4, 5}, payload.Answers[0].Score)
	require.NotNil(t, payload.Summary)
	assert.Equal(t, [2]float64{9, 10}, payload.Summary.TotalScore)
	assert.Equal(t, 90, payload.Summary.Percentage)
	assert.Equal(t, "transcribed answers", payload.Text)
}

func TestScoreErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"vision model overloaded"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test")
	_, err := c.Score(context.Background(), Request{TestID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vision model overloaded")
	assert.Contains(t, err.Error(), "502")
}

func TestScoreRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-wrong")
	_, err := c.Score(context.Background(), Request{TestID: 1})
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestScoreMissingSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"answers": []}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test")
	_, err := c.Score(context.Background(), Request{TestID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no summary")
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test")
	assert.NoError(t, c.Ping(context.Background()))

	srv.Close()
	assert.Error(t, c.Ping(context.Background()))
}
