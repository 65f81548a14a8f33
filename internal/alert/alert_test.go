package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "contractwatch/pkg/logx"
)

func samplePayload() Payload {
	return Payload{
		EventType: "contractExpiry7d",
		Severity:  "ERROR",
		Category:  CategoryAlert,
		Subject:   `Contract "Hosting" expires in 7 days`,
		Body:      "Dear User,",
		Resource: Resource{
			ResourceName: "C-001",
			ResourceType: ResourceTypeContract,
			Tags:         map[string]string{TagRecipientEmail: "ops@acme.test"},
		},
		Tags: map[string]string{TagContractID: "C-001", TagRecipientEmail: "ops@acme.test"},
	}
}

func TestHTTPSenderPostsSignedJSON(t *testing.T) {
	t.Parallel()
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "svc" || p != "pw" {
			t.Errorf("basic auth = %q %q %v", u, p, ok)
		}
		if !Verify("k", body, r.Header.Get(SignatureHeader)) {
			t.Errorf("bad signature %q", r.Header.Get(SignatureHeader))
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, err := NewHTTP(Config{URL: srv.URL, Username: "svc", Password: "pw", SigningSecret: "k"}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), samplePayload()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.EventType != "contractExpiry7d" || got.Resource.ResourceType != "contract" {
		t.Fatalf("payload = %+v", got)
	}
	if got.Recipient() != "ops@acme.test" {
		t.Fatalf("recipient = %q", got.Recipient())
	}
}

func TestHTTPSenderBearerAndStatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"csrf"}`))
	}))
	defer srv.Close()

	s, _ := NewHTTP(Config{URL: srv.URL, BearerToken: "tok"}, srv.Client())
	err := s.Send(context.Background(), samplePayload())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden || !strings.Contains(se.Body, "csrf") {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPSenderTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s, _ := NewHTTP(Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client())
	start := time.Now()
	if err := s.Send(context.Background(), samplePayload()); err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not applied")
	}
}

func TestHTTPSenderRateLimit(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
	}))
	defer srv.Close()

	s, _ := NewHTTP(Config{URL: srv.URL, RatePerSec: 1}, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = s.Send(ctx, samplePayload())
	if err := s.Send(ctx, samplePayload()); err == nil {
		t.Fatal("second send should wait past the deadline")
	}
	if n.Load() != 1 {
		t.Fatalf("calls = %d", n.Load())
	}
}

func TestNewDrivers(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Driver: "http"}, nil, logx.Nop()); err == nil {
		t.Fatal("http without url should fail")
	}
	if _, err := New(Config{Driver: "smtp"}, nil, logx.Nop()); err == nil {
		t.Fatal("smtp without mailer should fail")
	}
	if _, err := New(Config{Driver: "pigeon"}, nil, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
	s, err := New(Config{Driver: "log"}, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), samplePayload()); err != nil {
		t.Fatalf("log send: %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	t.Parallel()
	body := []byte(`{"a":1}`)
	sig := Sign("secret", body)
	tests := []struct {
		name   string
		secret string
		header string
		want   bool
	}{
		{"prefixed", "secret", sig, true},
		{"bare hex", "secret", strings.TrimPrefix(sig, "sha256="), true},
		{"wrong secret", "other", sig, false},
		{"empty header", "secret", "", false},
		{"not hex", "secret", "sha256=zz", false},
	}
	for _, tt := range tests {
		if got := Verify(tt.secret, body, tt.header); got != tt.want {
			t.Fatalf("%s: Verify = %v", tt.name, got)
		}
	}
}
