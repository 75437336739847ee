package signer

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestSignAddsAuthorizationHeader(t *testing.T) {
	s := New("bedrock")

	body := []byte(`{"prompt":"hello"}`)
	req, err := http.NewRequest(http.MethodPost,
		"https://bedrock-runtime.us-west-2.amazonaws.com/model/anthropic.claude/invoke",
		strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	creds := Credentials{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secretexample",
		Region:          "us-west-2",
	}

	signTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Sign(req, creds, body, signTime); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 ") {
		t.Errorf("Authorization header = %q, want AWS4-HMAC-SHA256 prefix", auth)
	}
	if req.Header.Get("X-Amz-Date") == "" {
		t.Error("expected X-Amz-Date header to be set")
	}
	if !strings.Contains(auth, "/20260101/us-west-2/bedrock/aws4_request") {
		t.Errorf("Authorization header = %q, want credential scope 20260101/us-west-2/bedrock/aws4_request", auth)
	}
	if !strings.Contains(auth, "SignedHeaders=") {
		t.Errorf("Authorization header = %q, want SignedHeaders field", auth)
	}
}

func TestSignDefaultsRegion(t *testing.T) {
	s := New("bedrock")
	req, _ := http.NewRequest(http.MethodGet, "https://bedrock-runtime.amazonaws.com/", nil)
	if err := s.Sign(req, Credentials{AccessKeyID: "a", SecretAccessKey: "b"}, nil, time.Now()); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !strings.Contains(req.Header.Get("Authorization"), "/"+DefaultRegion+"/") {
		t.Errorf("expected default region %s in signature scope", DefaultRegion)
	}
}
