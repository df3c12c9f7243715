package iws

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"subscriber-cloud/internal/observability/metrics"
)

const defaultTimeout = 30 * time.Second

// Transport performs the HTTPS exchange with the upstream gateway. One
// endpoint serves every action; the action name travels in the content-type
// header. No retries here — the gateway owns the verification policy.
type Transport struct {
	endpoint string
	client   *http.Client
	logger   *log.Logger
}

// NewTransport constructs a transport for the given endpoint.
func NewTransport(endpoint string, timeout time.Duration, logger *log.Logger) (*Transport, error) {
	if endpoint == "" {
		return nil, errors.New("iws: empty endpoint")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Transport{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

// Send posts the envelope and returns the raw response body. Connection
// failures and timeouts surface as *TransportError; a non-success HTTP
// status or a decoded SOAP fault surfaces as *ProtocolFault.
func (t *Transport) Send(ctx context.Context, action, envelope string) (string, error) {
	if t == nil || t.client == nil {
		return "", errors.New("iws: nil transport")
	}
	if action == "" {
		return "", errors.New("iws: empty action")
	}

	start := time.Now()
	body, err := t.exchange(ctx, action, envelope)
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.ObserveUpstreamRequest(action, result, time.Since(start).Seconds())
	if t.logger != nil {
		t.logger.Printf("iws %s result=%s elapsed=%s", action, result, time.Since(start).Round(time.Millisecond))
	}
	return body, err
}

func (t *Transport) exchange(ctx context.Context, action, envelope string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(envelope))
	if err != nil {
		return "", &TransportError{Action: action, Err: err}
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action="`+action+`"`)
	req.Header.Set("Accept", "application/soap+xml, text/xml")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &TransportError{Action: action, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Action: action, Err: err}
	}
	body := string(raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fault := &ProtocolFault{Action: action, StatusCode: resp.StatusCode, Body: body}
		if root, decodeErr := Decode(body); decodeErr == nil {
			if f := FindFault(root); f != nil {
				fault.FaultCode = f.Code
				fault.FaultIntro = f.Reason
			}
		}
		return "", fault
	}

	root, err := Decode(body)
	if err != nil {
		return "", &ProtocolFault{Action: action, StatusCode: resp.StatusCode, FaultIntro: "invalid xml response", Body: body}
	}
	if f := FindFault(root); f != nil {
		reason := f.Reason
		if f.Detail != "" {
			reason += " | " + f.Detail
		}
		return "", &ProtocolFault{Action: action, StatusCode: resp.StatusCode, FaultCode: f.Code, FaultIntro: reason, Body: body}
	}
	return body, nil
}
