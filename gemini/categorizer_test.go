package gemini

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/genai"
)

// fakeGemini answers generateContent calls with a fixed reply and keeps the
// last request for inspection.
type fakeGemini struct {
	reply  string
	status int

	path   string
	apiKey string
	body   string
}

func (f *fakeGemini) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	f.path = r.URL.Path
	f.apiKey = r.Header.Get("x-goog-api-key")
	f.body = string(data)

	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"model not found","status":"INVALID_ARGUMENT"}}`))
		return
	}
	_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":` + f.reply + `}]},"finishReason":"STOP"}]}`))
}

func newTestCategorizer(t *testing.T, model *fakeGemini) *Categorizer {
	t.Helper()
	srv := httptest.NewServer(model)
	t.Cleanup(srv.Close)

	c, err := newCategorizer(context.Background(), &genai.ClientConfig{
		APIKey:      "test-key",
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: srv.URL},
	}, "gemini-test", zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestCategorizer_Categorize(t *testing.T) {
	model := &fakeGemini{reply: `"**Transport**\n"`}
	c := newTestCategorizer(t, model)

	category, err := c.Categorize(context.Background(), "taxi to the airport")
	require.NoError(t, err)
	assert.Equal(t, "Transport", category)

	assert.Contains(t, model.path, "gemini-test:generateContent")
	assert.Equal(t, "test-key", model.apiKey)
	assert.Contains(t, model.body, "taxi to the airport")
}

func TestCategorizer_UnknownReplyIsOther(t *testing.T) {
	c := newTestCategorizer(t, &fakeGemini{reply: `"I am not sure"`})

	category, err := c.Categorize(context.Background(), "mystery charge")
	require.NoError(t, err)
	assert.Equal(t, "Other", category)
}

func TestCategorizer_BackendError(t *testing.T) {
	c := newTestCategorizer(t, &fakeGemini{status: http.StatusBadRequest})

	_, err := c.Categorize(context.Background(), "lunch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "categorize expense")
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Food":                      "Food",
		"  transport.\n":            "Transport",
		"**Entertainment**":         "Entertainment",
		"The category is Shopping.": "Shopping",
		"groceries?":                "Other",
		"":                          "Other",
	}
	for reply, want := range cases {
		assert.Equal(t, want, Normalize(reply), "reply %q", reply)
	}
}

func TestPromptListsCategories(t *testing.T) {
	p := prompt("coffee with friends")
	assert.True(t, strings.Contains(p, "Food, Transport"))
	assert.True(t, strings.HasSuffix(p, "Expense: coffee with friends"))
}
