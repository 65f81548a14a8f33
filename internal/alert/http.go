package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrBody     = 512
)

// HTTPSender posts payloads as JSON to the alert producer endpoint.
type HTTPSender struct {
	url     string
	user    string
	pass    string
	bearer  string
	secret  string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTP builds an HTTPSender. A nil client gets a default one.
func NewHTTP(cfg Config, client *http.Client) (*HTTPSender, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("alert: url is required for http driver")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	s := &HTTPSender{
		url:     url,
		user:    cfg.Username,
		pass:    cfg.Password,
		bearer:  cfg.BearerToken,
		secret:  cfg.SigningSecret,
		timeout: timeout,
		client:  client,
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return s, nil
}

func (s *HTTPSender) Send(ctx context.Context, p Payload) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("alert: rate limit: %w", err)
		}
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("alert: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	switch {
	case s.bearer != "":
		req.Header.Set("Authorization", "Bearer "+s.bearer)
	case s.user != "":
		req.SetBasicAuth(s.user, s.pass)
	}
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}
