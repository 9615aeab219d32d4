package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/herolabs/hero/internal/auth"
)

func TestMagicLinkFlow(t *testing.T) {
	e := newEnv(t, envOptions{})

	rec := e.do(t, "POST", "/auth/magic-link", "", `{"email":"new@example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("request link: status = %d, body %s", rec.Code, rec.Body.String())
	}
	linkToken := decodeBody(t, rec)["token"].(string)
	if linkToken == "" {
		t.Fatal("empty magic link token")
	}

	rec = e.do(t, "POST", "/auth/magic-link/redeem", "", fmt.Sprintf(`{"token":%q}`, linkToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem: status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	sessionToken, _ := body["token"].(string)
	if sessionToken == "" {
		t.Fatal("redeem did not return a session token")
	}
	user := body["user"].(map[string]any)
	if user["email"] != "new@example.com" {
		t.Errorf("user email = %v", user["email"])
	}

	var cookie string
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookie {
			cookie = c.Value
			if !c.HttpOnly {
				t.Error("session cookie must be HttpOnly")
			}
		}
	}
	if cookie == "" {
		t.Fatal("session cookie not set")
	}

	t.Run("bearer token works", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/profile", nil)
		req.Header.Set("Authorization", "Bearer "+sessionToken)
		rec := httptest.NewRecorder()
		e.h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if got := decodeBody(t, rec)["email"]; got != "new@example.com" {
			t.Errorf("email = %v", got)
		}
	})

	t.Run("cookie works", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/profile", nil)
		req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: cookie})
		rec := httptest.NewRecorder()
		e.h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("links are single use", func(t *testing.T) {
		rec := e.do(t, "POST", "/auth/magic-link/redeem", "", fmt.Sprintf(`{"token":%q}`, linkToken))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("second redeem: status = %d, want 401", rec.Code)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		rec := e.do(t, "POST", "/auth/magic-link/redeem", "", `{"token":"bogus"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestPasswordLoginFlow(t *testing.T) {
	e := newEnv(t, envOptions{})

	t.Run("weak password rejected", func(t *testing.T) {
		rec := e.do(t, "PUT", "/profile/password", e.key, `{"password":"short"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	rec := e.do(t, "PUT", "/profile/password", e.key, `{"password":"correct horse battery"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set password: status = %d, body %s", rec.Code, rec.Body.String())
	}

	t.Run("wrong password", func(t *testing.T) {
		rec := e.do(t, "POST", "/auth/login", "", `{"email":"owner@example.com","password":"nope nope nope"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("unknown email", func(t *testing.T) {
		rec := e.do(t, "POST", "/auth/login", "", `{"email":"ghost@example.com","password":"correct horse battery"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("successful login issues a token", func(t *testing.T) {
		rec := e.do(t, "POST", "/auth/login", "", `{"email":"owner@example.com","password":"correct horse battery"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		token, _ := decodeBody(t, rec)["token"].(string)
		if token == "" {
			t.Fatal("no session token in login response")
		}

		req := httptest.NewRequest("GET", "/profile", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		probe := httptest.NewRecorder()
		e.h.ServeHTTP(probe, req)
		if probe.Code != http.StatusOK {
			t.Errorf("token probe: status = %d", probe.Code)
		}
	})

	t.Run("logout clears the cookie", func(t *testing.T) {
		rec := e.do(t, "POST", "/auth/logout", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		cleared := false
		for _, c := range rec.Result().Cookies() {
			if c.Name == auth.SessionCookie && c.MaxAge < 0 {
				cleared = true
			}
		}
		if !cleared {
			t.Error("logout did not clear the session cookie")
		}
	})
}

func TestProfileUpdate(t *testing.T) {
	e := newEnv(t, envOptions{})

	rec := e.do(t, "PATCH", "/profile", e.key, `{"display_name":"  Neo  "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["display_name"]; got != "Neo" {
		t.Errorf("display_name = %v, want Neo", got)
	}

	body := decodeBody(t, e.do(t, "GET", "/profile", e.key, ""))
	if body["display_name"] != "Neo" {
		t.Errorf("persisted display_name = %v, want Neo", body["display_name"])
	}
}

func TestAPIKeyEndpoints(t *testing.T) {
	e := newEnv(t, envOptions{})

	rec := e.do(t, "POST", "/api-keys", e.key, `{"name":"ci","ttl":"1h"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	plaintext, _ := body["plaintext"].(string)
	if !strings.HasPrefix(plaintext, "hero_") {
		t.Fatalf("plaintext = %q, want hero_ prefix", plaintext)
	}
	keyInfo := body["key"].(map[string]any)
	keyID := keyInfo["id"].(string)
	if keyInfo["name"] != "ci" {
		t.Errorf("name = %v", keyInfo["name"])
	}
	if _, leaked := keyInfo["hash"]; leaked {
		t.Error("key hash must not serialize")
	}

	t.Run("minted key authenticates", func(t *testing.T) {
		rec := e.do(t, "GET", "/profile", plaintext, "")
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("bad ttl", func(t *testing.T) {
		rec := e.do(t, "POST", "/api-keys", e.key, `{"name":"x","ttl":"sometime"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("list", func(t *testing.T) {
		body := decodeBody(t, e.do(t, "GET", "/api-keys", e.key, ""))
		// The fixture key plus the one minted above.
		if body["count"].(float64) != 2 {
			t.Errorf("count = %v, want 2", body["count"])
		}
	})

	t.Run("revoke", func(t *testing.T) {
		rec := e.do(t, "DELETE", "/api-keys/"+keyID, e.key, "")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if rec := e.do(t, "GET", "/profile", plaintext, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("revoked key: status = %d, want 401", rec.Code)
		}
	})
}
