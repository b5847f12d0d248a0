package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSignerGenerateAndValidate(t *testing.T) {
	signer, err := NewSigner("test-secret", WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, err := signer.Generate(Identity{UserID: " user-42 ", Role: "ORG_ADMIN", OrgID: "ORG1"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	claims, err := signer.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" || claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	id, err := signer.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Role != "ORG_ADMIN" || id.OrgID != "ORG1" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestSignerRejectsForeignAndExpiredTokens(t *testing.T) {
	signer, _ := NewSigner("secret-a")
	other, _ := NewSigner("secret-b")

	token, err := other.Generate(Identity{UserID: "u1"}, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := signer.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}

	past := time.Now().Add(-2 * time.Hour)
	old, _ := NewSigner("secret-a", WithClock(func() time.Time { return past }))
	stale, err := old.Generate(Identity{UserID: "u1"}, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := signer.ParseAndValidate(stale); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
	if _, err := signer.ParseAndValidate("  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for blank token, got %v", err)
	}
}

func TestSignerValidatesInput(t *testing.T) {
	if _, err := NewSigner(" "); err == nil {
		t.Fatalf("expected error for blank secret")
	}
	signer, _ := NewSigner("s")
	if _, err := signer.Generate(Identity{}, time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := signer.Generate(Identity{UserID: "u"}, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatalf("unexpected identity in empty context")
	}
	ctx = ContextWithIdentity(ctx, Identity{UserID: " user-7 ", Role: "AUDITOR"})
	ctx = ContextWithToken(ctx, "tok")
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	if tok, ok := TokenFromContext(ctx); !ok || tok != "tok" {
		t.Fatalf("unexpected token: %s", tok)
	}
	if ContextWithToken(ctx, "") != ctx {
		t.Fatalf("blank token must not wrap the context")
	}
}
