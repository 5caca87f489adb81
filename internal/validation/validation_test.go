package validation

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bchescrow/internal/apperr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIsValidTxHash(t *testing.T) {
	tests := []struct {
		hash  string
		valid bool
	}{
		{strings.Repeat("ab", 32), true},
		{strings.Repeat("AB", 32), true},
		{strings.Repeat("ab", 31), false},
		{strings.Repeat("zz", 32), false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidTxHash(tc.hash); got != tc.valid {
			t.Errorf("IsValidTxHash(%q) = %v, want %v", tc.hash, got, tc.valid)
		}
	}
}

func TestIsValidRecordID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ESC-7K2M9QXD", true},
		{"0b6c1d5e-1c4f-4d0a-9b59-8f7c2f9e1a11", true},
		{"dsp_00112233445566778899aabb", true},
		{"../etc/passwd", false},
		{"a b", false},
		{strings.Repeat("a", 65), false},
	}

	for _, tc := range tests {
		if got := IsValidRecordID(tc.id); got != tc.valid {
			t.Errorf("IsValidRecordID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("buyer", "u1"),
		Required("seller", " "),
		ValidAmount("amountBCH", "0.000000001"),
		ValidAmount("other", "0.05"),
		ValidTxHash("txHash", "nothex"),
		ValidRawTx("rawTx", "abc"),
		OneOf("outcome", "split", "buyer", "seller", "split"),
	)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
	fields := []string{"seller", "amountBCH", "txHash", "rawTx"}
	for i, f := range fields {
		if errs[i].Field != f {
			t.Errorf("errs[%d].Field = %s, want %s", i, errs[i].Field, f)
		}
	}

	err := errs.Err()
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Err() should be a validation error, got %v", err)
	}
	if ValidationErrors(nil).Err() != nil {
		t.Error("empty collection should produce nil")
	}
}

func TestRequireActor(t *testing.T) {
	r := gin.New()
	r.GET("/me", RequireActor(), func(c *gin.Context) {
		c.String(http.StatusOK, ActorID(c))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(ActorHeader, " user-1 ")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "user-1" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing actor: got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "UNAUTHORIZED" || body["retryable"] != false {
		t.Errorf("unexpected body %v", body)
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	r := gin.New()
	r.GET("/boom", func(c *gin.Context) {
		RespondError(c, errors.New("pq: connection refused to 10.0.0.3"))
	})
	r.GET("/ledger", func(c *gin.Context) {
		RespondError(c, apperr.Wrap(apperr.CodeLedgerUnavailable, "ledger unavailable", errors.New("timeout")))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.0.0.3") {
		t.Error("internal detail leaked")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ledger", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"retryable":true`) {
		t.Errorf("ledger outage should be retryable: %s", w.Body.String())
	}
}

func TestIDParamMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/e/:id", IDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/e/ESC-7K2M9QXD", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("valid id: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/e/bad%20id", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id: got %d", w.Code)
	}
}
