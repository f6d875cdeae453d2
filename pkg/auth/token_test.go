package auth

import (
	"errors"
	"testing"
	"time"
)

func TestMintAndVerifyRoundTrip(t *testing.T) {
	token, err := Mint("test-secret", "user-42", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	userID, err := NewVerifier("test-secret").Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("userID = %q, want user-42", userID)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	token, err := Mint("test-secret", "user-42", -time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	_, err = NewVerifier("test-secret").Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("err = %v, want ErrExpiredToken", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := Mint("test-secret", "user-42", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	_, err = NewVerifier("other-secret").Verify(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := NewVerifier("test-secret").Verify("not-a-token")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestRotateInvalidatesOldTokens(t *testing.T) {
	v := NewVerifier("old-secret")
	token, err := Mint("old-secret", "user-42", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := v.Verify(token); err != nil {
		t.Fatalf("Verify before rotation: %v", err)
	}

	v.Rotate("new-secret")
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err after rotation = %v, want ErrInvalidToken", err)
	}

	fresh, err := Mint("new-secret", "user-42", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := v.Verify(fresh); err != nil {
		t.Errorf("Verify fresh token after rotation: %v", err)
	}
}

func TestMintRequiresSecretAndUser(t *testing.T) {
	if _, err := Mint("", "user-42", time.Hour); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := Mint("test-secret", "", time.Hour); err == nil {
		t.Error("expected error for empty user id")
	}
}
