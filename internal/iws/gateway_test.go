package iws

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const testIMEI = "300234010753370"

type fakeResponse struct {
	status int
	body   string
}

// fakeUpstream serves scripted SOAP responses per action. Queued responses
// pop in order; the last one sticks for further calls.
type fakeUpstream struct {
	mu        sync.Mutex
	responses map[string][]fakeResponse
	envelopes map[string][]string
	server    *httptest.Server
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		responses: map[string][]fakeResponse{},
		envelopes: map[string][]string{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := actionFromContentType(r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.envelopes[action] = append(f.envelopes[action], string(body))
		queue := f.responses[action]
		var resp fakeResponse
		switch len(queue) {
		case 0:
			resp = fakeResponse{status: http.StatusInternalServerError, body: soapFault("env:Receiver", "no scripted response for "+action)}
		case 1:
			resp = queue[0]
		default:
			resp = queue[0]
			f.responses[action] = queue[1:]
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
		w.WriteHeader(resp.status)
		_, _ = w.Write([]byte(resp.body))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) on(action string, responses ...fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[action] = append(f.responses[action], responses...)
}

func (f *fakeUpstream) calls(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envelopes[action])
}

func (f *fakeUpstream) lastEnvelope(action string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	envelopes := f.envelopes[action]
	if len(envelopes) == 0 {
		return ""
	}
	return envelopes[len(envelopes)-1]
}

func actionFromContentType(contentType string) string {
	const marker = `action="`
	idx := strings.Index(contentType, marker)
	if idx < 0 {
		return ""
	}
	rest := contentType[idx+len(marker):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return rest
	}
	return rest[:end]
}

func ok(inner string) fakeResponse {
	return fakeResponse{status: http.StatusOK, body: soapBody(inner)}
}

func soapBody(inner string) string {
	return `<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"><env:Body>` + inner + `</env:Body></env:Envelope>`
}

func soapFault(code, reason string) string {
	return soapBody(`<env:Fault xmlns:env="http://www.w3.org/2003/05/soap-envelope"><env:Code><env:Value>` + code + `</env:Value></env:Code><env:Reason><env:Text>` + reason + `</env:Text></env:Reason></env:Fault>`)
}

func searchResult(status, planName string) fakeResponse {
	return ok(`<accountSearchResponse><subscriber><imei>` + testIMEI + `</imei><accountNumber>SBD-100</accountNumber><accountStatus>` + status + `</accountStatus><planName>` + planName + `</planName></subscriber></accountSearchResponse>`)
}

func newTestGateway(t *testing.T, upstream *fakeUpstream) *Gateway {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	transport, err := NewTransport(upstream.server.URL, time.Second, logger)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	gateway, err := NewGateway(transport, "acme", "secret", "12345", logger, WithVerifyDelay(0))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gateway
}

func TestValidateIMEI(t *testing.T) {
	if _, err := ValidateIMEI("30023401075337"); err == nil {
		t.Fatal("expected length error for 14 digits")
	}
	if _, err := ValidateIMEI("310234010753370"); err == nil {
		t.Fatal("expected prefix error")
	}
	normalized, err := ValidateIMEI("3002-3401-0753-370")
	if err != nil {
		t.Fatalf("expected separators stripped: %v", err)
	}
	if normalized != testIMEI {
		t.Fatalf("expected %s, got %s", testIMEI, normalized)
	}
}

func TestLookupAccount(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.on("accountSearch", searchResult(StatusActive, "SBD 12"))
	gateway := newTestGateway(t, upstream)

	snapshot, err := gateway.LookupAccount(context.Background(), testIMEI)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if snapshot.AccountNumber != "SBD-100" || snapshot.Status != StatusActive || snapshot.PlanName != "SBD 12" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	envelope := upstream.lastEnvelope("accountSearch")
	for _, fragment := range []string{
		"<iwsUsername>ACME</iwsUsername>",
		"<filterType>IMEI</filterType>",
		"<filterCond>EXACT</filterCond>",
		"<filterValue>" + testIMEI + "</filterValue>",
	} {
		if !strings.Contains(envelope, fragment) {
			t.Fatalf("expected envelope to contain %s:\n%s", fragment, envelope)
		}
	}
}

func TestLookupAccountNotFound(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.on("accountSearch", ok(`<accountSearchResponse/>`))
	gateway := newTestGateway(t, upstream)

	_, err := gateway.LookupAccount(context.Background(), testIMEI)
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestSetStatusAccepted(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.on("accountSearch", searchResult(StatusActive, "SBD 12"))
	upstream.on("setSubscriberAccountStatus", ok(`<setSubscriberAccountStatusResponse><transactionId>TX-77</transactionId></setSubscriberAccountStatusResponse>`))
	gateway := newTestGateway(t, upstream)

	result, err := gateway.SetStatus(context.Background(), testIMEI, StatusSuspended, "non-payment")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if result.TransactionID != "TX-77" {
		t.Fatalf("expected transaction id TX-77, got %s", result.TransactionID)
	}
	if result.Verification != VerificationSynchronous {
		t.Fatalf("expected synchronous verification, got %s", result.Verification)
	}

	envelope := upstream.lastEnvelope("setSubscriberAccountStatus")
	for _, fragment := range []string{
		"<updateType>IMEI</updateType>",
		"<newStatus>SUSPENDED</newStatus>",
		"<reason>non-payment</reason>",
	} {
		if !strings.Contains(envelope, fragment) {
			t.Fatalf("expected envelope to contain %s:\n%s", fragment, envelope)
		}
	}
}

func TestSetStatusRejectsDoubleSuspend(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.on("accountSearch", searchResult(StatusSuspended, "SBD 12"))
	gateway := newTestGateway(t, upstream)

	_, err := gateway.SetStatus(context.Background(), testIMEI, StatusSuspended, "")
	var stateErr *BusinessStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected business state error, got %v", err)
	}
	if upstream.calls("setSubscriberAccountStatus") != 0 {
		t.Fatal("expected no mutation call after precondition failure")
	}
}

func TestSetStatusVerificationRescue(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.on("accountSearch",
		searchResult(StatusActive, "SBD 12"),
		searchResult(StatusSuspended, "SBD 12"),
	)
	upstream.on("setSubscriberAccountStatus", fakeResponse{
		status: http.StatusInternalServerError,
		body:   soapFault("env:Receiver", "internal processing error"),
	})
	gateway := newTestGateway(t, upstream)

	result, err := gateway.SetStatus(context.Background(), testIMEI, StatusSuspended, "")
	if err != nil {
		t.Fatalf("expected rescue, got %v", err)
	}
	if result.Verification != VerificationConfirmed {
		t.Fatalf("expected confirmed-after-error, got %s", result.Verification)
	}
	if !strings.Contains(result.Note, "internal processing error") {
		t.Fatalf("expected note to retain original error, got %s", result.Note)
	}
	if upstream.calls("accountSearch") != 2 {
		t.Fatalf("expected 2 lookups, got %d", upstream.calls("accountSearch"))
	}
}

func TestSetStatusVerificationFails(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.on("accountSearch",
		searchResult(StatusActive, "SBD 12"),
		searchResult(StatusActive, "SBD 12"),
	)
	upstream.on("setSubscriberAccountStatus", fakeResponse{
		status: http.StatusInternalServerError,
		body:   soapFault("env:Receiver", "internal processing error"),
	})
	gateway := newTestGateway(t, upstream)

	_, err := gateway.SetStatus(context.Background(), testIMEI, StatusSuspended, "")
	var fault *ProtocolFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected protocol fault, got %v", err)
	}
}

func TestChangePlanRejectsPendingAccount(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.on("accountSearch", searchResult(StatusPending, "SBD 12"))
	gateway := newTestGateway(t, upstream)

	_, err := gateway.ChangePlan(context.Background(), testIMEI, "SBD 17")
	var stateErr *BusinessStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected business state error, got %v", err)
	}
	if upstream.calls("accountUpdate") != 0 {
		t.Fatal("expected no update call for pending account")
	}
}

func bundlesResult(plans ...string) fakeResponse {
	var b strings.Builder
	b.WriteString("<getSBDBundlesResponse>")
	for i := 0; i < len(plans); i += 2 {
		b.WriteString("<bundle><id>" + plans[i] + "</id><name>" + plans[i+1] + "</name></bundle>")
	}
	b.WriteString("</getSBDBundlesResponse>")
	return ok(b.String())
}

func TestChangePlanHappyPath(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.on("accountSearch", searchResult(StatusActive, "SBD 12"))
	upstream.on("getSBDBundles",
		bundlesResult("10", "SBD 12", "11", "SBD 17", "12", "SBD 30"),
		bundlesResult("11", "SBD 17", "12", "SBD 30"),
	)
	upstream.on("getSubscriberAccount", ok(`<getSubscriberAccountResponse>
		<accountStatus>ACTIVE</accountStatus>
		<planName>SBD 12</planName>
		<sbdBundleId>10</sbdBundleId>
		<imei>`+testIMEI+`</imei>
		<ringAlertsFlag>false</ringAlertsFlag>
		<spReference>ops-ref</spReference>
		<deliveryDetail><destination>305551234567890</destination><deliveryMethod>DIRECT_IP</deliveryMethod><geoDataFlag>FALSE</geoDataFlag><moAckFlag>FALSE</moAckFlag></deliveryDetail>
	</getSubscriberAccountResponse>`))
	upstream.on("accountUpdate", ok(`<accountUpdateResponse><transactionId>TX-90</transactionId></accountUpdateResponse>`))
	gateway := newTestGateway(t, upstream)

	result, err := gateway.ChangePlan(context.Background(), testIMEI, "sbd17")
	if err != nil {
		t.Fatalf("change plan: %v", err)
	}
	if result.TransactionID != "TX-90" {
		t.Fatalf("expected TX-90, got %s", result.TransactionID)
	}
	if result.TargetBundleID != "11" {
		t.Fatalf("expected bundle 11, got %s", result.TargetBundleID)
	}

	envelope := upstream.lastEnvelope("accountUpdate")
	for _, fragment := range []string{
		"<sbdSubscriberAccount2>",
		"<subscriberAccountNumber>SBD-100</subscriberAccountNumber>",
		"<sbdBundleId>11</sbdBundleId>",
		"<spReference>ops-ref</spReference>",
		"<destination>305551234567890</destination>",
		"<imei>" + testIMEI + "</imei>",
	} {
		if !strings.Contains(envelope, fragment) {
			t.Fatalf("expected update envelope to contain %s:\n%s", fragment, envelope)
		}
	}
}

func TestChangePlanUnknownPlan(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.on("accountSearch", searchResult(StatusActive, "SBD 12"))
	upstream.on("getSBDBundles",
		bundlesResult("10", "SBD 12"),
		bundlesResult("10", "SBD 12"),
	)
	gateway := newTestGateway(t, upstream)

	_, err := gateway.ChangePlan(context.Background(), testIMEI, "NO SUCH PLAN")
	if err == nil || !strings.Contains(err.Error(), "not an eligible target") {
		t.Fatalf("expected eligibility error, got %v", err)
	}
}

func TestResolvePlan(t *testing.T) {
	plans := []Plan{{ID: "10", Name: "SBD 12"}, {ID: "11", Name: "SBD 17"}}
	if id, _ := resolvePlan(plans, "SBD 17"); id != "11" {
		t.Fatalf("expected exact match 11, got %s", id)
	}
	if id, _ := resolvePlan(plans, "sbd12"); id != "10" {
		t.Fatalf("expected space-insensitive match 10, got %s", id)
	}
	if id, name := resolvePlan(plans, "11"); id != "11" || name != "SBD 17" {
		t.Fatalf("expected numeric id match, got %s %s", id, name)
	}
	if id, _ := resolvePlan(plans, "99"); id != "" {
		t.Fatalf("expected no match, got %s", id)
	}
}

func TestValidateDevice(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.on("validateDeviceString", ok(`<validateDeviceStringResponse><valid>true</valid><deviceString>`+testIMEI+`</deviceString><safetyDataCapable>false</safetyDataCapable></validateDeviceStringResponse>`))
	gateway := newTestGateway(t, upstream)

	validation, err := gateway.ValidateDevice(context.Background(), testIMEI)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !validation.Valid || validation.DeviceString != testIMEI {
		t.Fatalf("unexpected validation %+v", validation)
	}
}

func TestSystemStatusSurfacesFault(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.on("getSystemStatus", fakeResponse{status: http.StatusOK, body: soapFault("env:Sender", "Invalid signature")})
	gateway := newTestGateway(t, upstream)

	err := gateway.SystemStatus(context.Background())
	var fault *ProtocolFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected protocol fault, got %v", err)
	}
	if !strings.Contains(fault.FaultIntro, "Invalid signature") {
		t.Fatalf("expected fault reason, got %s", fault.FaultIntro)
	}
}
