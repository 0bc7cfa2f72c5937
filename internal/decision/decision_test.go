package decision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ppiankov/neurorouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

func TestRulesEmergency(t *testing.T) {
	tests := []struct {
		name string
		s    Situation
		want EmergencyAction
	}{
		{"faster driver", Situation{AlternativeDriverID: "d2", SavingMinutes: 12, MinutesRemaining: 10}, ReassignFaster},
		{"saving too small", Situation{AlternativeDriverID: "d2", SavingMinutes: 10, MinutesRemaining: 10}, EscalateDispatch},
		{"breached", Situation{MinutesRemaining: -3}, ContactCustomer},
		{"on track", Situation{MinutesRemaining: 12, ETAMinutes: 8}, KeepCurrent},
		{"late", Situation{MinutesRemaining: 12, ETAMinutes: 20}, EscalateDispatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DefaultRules.DecideEmergency(context.Background(), tt.s)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Action)
			assert.NotEmpty(t, c.Reasoning)
		})
	}
}

func TestRulesRecovery(t *testing.T) {
	c, _ := DefaultRules.DecideRecovery(context.Background(), Situation{DriverSilentMinutes: 16})
	assert.Equal(t, RecoverReassign, c.Action)
	c, _ = DefaultRules.DecideRecovery(context.Background(), Situation{DriverSilentMinutes: 2})
	assert.Equal(t, RecoverAlertDispatch, c.Action)
}

func TestRulesFailure(t *testing.T) {
	tests := []struct {
		s    Situation
		want FailureStrategy
	}{
		{Situation{FailedAttempts: 3, MinutesRemaining: 90}, ReturnToSender},
		{Situation{FailedAttempts: 2, MinutesRemaining: 90}, FailureContact},
		{Situation{FailedAttempts: 1, MinutesRemaining: 90}, RetryNow},
		{Situation{FailedAttempts: 1, MinutesRemaining: 20}, ScheduleRetry},
		{Situation{FailedAttempts: 1, MinutesRemaining: -5}, FailureEscalate},
	}
	for _, tt := range tests {
		c, err := DefaultRules.DecideFailure(context.Background(), tt.s)
		require.NoError(t, err)
		assert.Equal(t, tt.want, c.Action, "%+v", tt.s)
	}
}

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		w.WriteHeader(status)
		if status != http.StatusOK {
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLLMParsesFencedAnswer(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "```json\n{\"action\":\"Contact_Customer\",\"reasoning\":\"late\"}\n```")
	l := NewLLM(LLMConfig{APIURL: srv.URL, APIKey: "k", Model: "m"})

	c, err := l.DecideEmergency(context.Background(), Situation{OrderID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, ContactCustomer, c.Action)
	assert.Equal(t, "late", c.Reasoning)
}

func TestLLMRejectsUnknownAction(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"action":"teleport","reasoning":"fast"}`)
	l := NewLLM(LLMConfig{APIURL: srv.URL, APIKey: "k"})

	_, err := l.DecideRecovery(context.Background(), Situation{})
	assert.ErrorIs(t, err, model.ErrRecoveryUnavailable)
}

func TestLLMRateLimited(t *testing.T) {
	srv := chatServer(t, http.StatusTooManyRequests, "")
	l := NewLLM(LLMConfig{APIURL: srv.URL, APIKey: "k"})

	_, err := l.DecideFailure(context.Background(), Situation{})
	assert.True(t, errors.Is(err, neurorouter.ErrRateLimited))
	assert.ErrorIs(t, err, model.ErrRecoveryUnavailable)
}

func TestFallbackUsesRules(t *testing.T) {
	srv := chatServer(t, http.StatusInternalServerError, "")
	f := Fallback{Primary: NewLLM(LLMConfig{APIURL: srv.URL, APIKey: "k"}), Secondary: DefaultRules}

	c, err := f.DecideFailure(context.Background(), Situation{FailedAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, ReturnToSender, c.Action)
}
