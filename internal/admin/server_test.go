package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkapoor/goldarb/internal/engine"
	"github.com/rkapoor/goldarb/internal/fiscal"
	"github.com/rkapoor/goldarb/internal/ledger"
	"github.com/rkapoor/goldarb/internal/market"
	"github.com/rkapoor/goldarb/internal/risk"
	"github.com/rkapoor/goldarb/internal/signal"
)

func newTestServer(t *testing.T) (*Server, *fiscal.Gate) {
	t.Helper()
	dir := t.TempDir()

	led, err := ledger.Open(ledger.Config{
		StatePath: filepath.Join(dir, "state.json"),
		AuditPath: filepath.Join(dir, "audit.jsonl"),
	})
	require.NoError(t, err)

	gate := fiscal.NewGate(fiscal.GateConfig{}, nil)
	eng := engine.New(engine.Config{}, engine.Deps{
		Stream:  market.NewStream(0),
		Gate:    gate,
		Signals: signal.NewGenerator(signal.Config{}, gate, nil),
		Risk:    risk.NewManager(risk.Limits{}),
		Ledger:  led,
	})
	return NewServer(Config{}, eng, gate), gate
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestConfirmRegime(t *testing.T) {
	s, gate := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/regime/confirm",
		`{"duty_rate":0.06,"bank_premium_rate":0.015,"gst_rate":0.03,"source":"govt-notification"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fiscal.StateConfirmed, gate.State())

	r, err := gate.Regime()
	require.NoError(t, err)
	assert.Equal(t, "govt-notification", r.ConfirmedBy)
}

func TestConfirmRegimeValidation(t *testing.T) {
	s, gate := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/regime/confirm", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/regime/confirm",
		`{"duty_rate":0.06,"bank_premium_rate":0.015,"gst_rate":0.03}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code) // missing source

	rec = doJSON(t, s, http.MethodPost, "/regime/confirm",
		`{"duty_rate":0.50,"bank_premium_rate":0.015,"gst_rate":0.03,"source":"typo"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	assert.Equal(t, fiscal.StateUnconfirmed, gate.State())
}

func TestConfirmRegimeDutyJumpConflict(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/regime/confirm",
		`{"duty_rate":0.06,"bank_premium_rate":0.015,"gst_rate":0.03,"source":"test"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/regime/confirm",
		`{"duty_rate":0.10,"bank_premium_rate":0.015,"gst_rate":0.03,"source":"test"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/regime/confirm",
		`{"duty_rate":0.10,"bank_premium_rate":0.015,"gst_rate":0.03,"source":"budget","override":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResumeRequiresTradeableGate(t *testing.T) {
	s, gate := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/engine/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	regime := fiscal.Regime{DutyRate: 0.06, BankPremiumRate: 0.015, GSTRate: 0.03}
	require.NoError(t, gate.Confirm(regime, "test", false))

	rec = doJSON(t, s, http.MethodPost, "/engine/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, fiscal.StateUnconfirmed, st.GateState)
	assert.False(t, st.Killed)
	assert.Equal(t, 100000.0, st.Balance.Cash)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/regime/confirm", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
