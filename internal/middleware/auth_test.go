package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"ridedispatch/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func signed(t *testing.T, v *Verifier, userID string, role domain.Role, ttl time.Duration) string {
	t.Helper()
	token, err := v.Sign(Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestVerifier_Parse(t *testing.T) {
	t.Parallel()

	v := NewVerifier("secret")

	claims, err := v.Parse(signed(t, v, "driver-1", domain.RoleDriver, time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "driver-1" || claims.Role != domain.RoleDriver {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := v.Parse(signed(t, v, "driver-1", domain.RoleDriver, -time.Minute)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token: expected ErrInvalidToken, got %v", err)
	}

	other := NewVerifier("other-secret")
	if _, err := v.Parse(signed(t, other, "driver-1", domain.RoleDriver, time.Hour)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign signature: expected ErrInvalidToken, got %v", err)
	}

	if _, err := v.Parse(signed(t, v, "x", domain.Role("admin"), time.Hour)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("unknown role: expected ErrInvalidToken, got %v", err)
	}
}

func TestAuth_RequireRole(t *testing.T) {
	t.Parallel()

	v := NewVerifier("secret")
	r := gin.New()
	r.GET("/driver", Auth(v), RequireRole(domain.RoleDriver), func(c *gin.Context) {
		claims, _ := ClaimsFromContext(c)
		c.String(http.StatusOK, claims.UserID)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"malformed header", "Token abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"wrong role", "Bearer " + signed(t, v, "cust-1", domain.RoleCustomer, time.Hour), http.StatusForbidden},
		{"driver", "Bearer " + signed(t, v, "driver-1", domain.RoleDriver, time.Hour), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/driver", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestBearerToken_QueryFallback(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	token, err := BearerToken(req)
	if err != nil || token != "abc" {
		t.Errorf("BearerToken = %q, %v", token, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := BearerToken(req); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}
