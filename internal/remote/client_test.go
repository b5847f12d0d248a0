package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"mandi.org/internal/access"
	"mandi.org/internal/auth"
	"mandi.org/internal/stepup"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL + "/api/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewValidatesBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://host", "::bad"} {
		if _, err := New(raw); err == nil {
			t.Fatalf("New(%q) expected error", raw)
		}
	}
}

func TestFetchUIConfig(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/admin/ui-config" || r.URL.Query().Get("user_id") != "u1" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer caller-token" {
			t.Errorf("Authorization=%q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"role":"ORG_ADMIN","scope":{"org_id":"7"},"ui_resources":[{"resource_key":"gates.list","route":"/gates","is_active":true}],"permissions":{"gates.list":["VIEW"]}}`))
	})
	ctx := auth.ContextWithToken(context.Background(), "caller-token")
	cfg, err := c.FetchUIConfig(ctx, "u1")
	if err != nil {
		t.Fatalf("FetchUIConfig: %v", err)
	}
	if cfg.Role != "ORG_ADMIN" || cfg.Scope.OrgID != "7" || len(cfg.Resources) != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	entries, err := access.DecodePermissions(cfg.Permissions)
	if err != nil || len(entries) != 1 || entries[0].ResourceKey != "gates.list" {
		t.Fatalf("permissions not preserved: %+v %v", entries, err)
	}
}

func TestInquireAttachesStepUpSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/admin/stepup/check" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get(StepUpHeader); got != "held" {
			t.Errorf("%s=%q", StepUpHeader, got)
		}
		var req stepup.InquiryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ResourceKey != "admin_users.edit" {
			t.Errorf("unexpected body %+v %v", req, err)
		}
		w.Write([]byte(`{"mode":"OTP_REQUIRED"}`))
	})
	resp, err := c.Inquire(context.Background(), stepup.InquiryRequest{UserID: "u1", ResourceKey: "admin_users.edit", Action: "UPDATE", SessionToken: "held"})
	if err != nil {
		t.Fatalf("Inquire: %v", err)
	}
	if resp.Mode != stepup.VerdictOTPRequired {
		t.Fatalf("Mode=%q", resp.Mode)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, want: ErrUnauthorized},
		{name: "not found", status: http.StatusNotFound, want: ErrNotFound},
		{name: "server error", status: http.StatusBadGateway, want: ErrUnavailable},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"error":"nope"}`))
			})
			_, err := c.FetchStepUpPolicy(context.Background(), "u1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestVerifyRejectedCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid otp"}`))
	})
	_, err := c.Verify(context.Background(), stepup.VerifyRequest{UserID: "u1", OTP: "000000"})
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
}

func TestMalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"selected":`))
	})
	if _, err := c.FetchStepUpPolicy(context.Background(), "u1"); !errors.Is(err, ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
}

func TestPolicyPreservesEmptySelection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"selected":[],"locked_defaults":["admin_users.edit"]}`))
	})
	p, err := c.FetchStepUpPolicy(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FetchStepUpPolicy: %v", err)
	}
	if p.Selected == nil || len(p.LockedKeys()) != 0 {
		t.Fatalf("empty selection must stay authoritative: %+v", p)
	}
}

func TestRegistry(t *testing.T) {
	var put access.RegistryEntry
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`{"items":[{"resource_key":"gates.list","allowed_actions":["VIEW"],"is_active":true}]}`))
		case http.MethodPut:
			if r.URL.Path != "/api/admin/resource-registry/org_mandi_mappings.list" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if r.Header.Get(StepUpHeader) != "sess" {
				t.Errorf("gated write without step-up session")
			}
			json.NewDecoder(r.Body).Decode(&put)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	items, err := c.FetchRegistry(context.Background())
	if err != nil || len(items) != 1 {
		t.Fatalf("FetchRegistry=(%+v,%v)", items, err)
	}
	if err := c.UpdateRegistryEntry(context.Background(), access.RegistryEntry{ResourceKey: "org_mandi.list", IsActive: true}, "sess"); err != nil {
		t.Fatalf("UpdateRegistryEntry: %v", err)
	}
	if put.ResourceKey != "org_mandi_mappings.list" {
		t.Fatalf("expected canonical key on the wire, got %q", put.ResourceKey)
	}
	if err := c.UpdateRegistryEntry(context.Background(), access.RegistryEntry{}, ""); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.FetchUIConfig(ctx, "u1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
