package iws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"subscriber-cloud/internal/observability/metrics"
)

// Account status values used by the upstream service. PENDING appears only
// as an observed remote state while an asynchronous order is in flight.
const (
	StatusActive      = "ACTIVE"
	StatusSuspended   = "SUSPENDED"
	StatusDeactivated = "DEACTIVATED"
	StatusPending     = "PENDING"
	StatusUnknown     = "UNKNOWN"
)

const (
	serviceTypeSBD = "SHORT_BURST_DATA"
	updateTypeIMEI = "IMEI"
	boolTrue       = "true"
	boolFalse      = "false"
)

const defaultVerifyDelay = 2 * time.Second

// AccountSnapshot is the read-only projection returned by an account search.
type AccountSnapshot struct {
	AccountNumber  string
	Status         string
	PlanName       string
	IMEI           string
	ActivationDate string
	ICCID          string
	SPReference    string
	AccountType    string
}

// DeliveryDetail is one message delivery destination on an account.
type DeliveryDetail struct {
	Destination string
	Method      string
	GeoData     string
	MOAck       string
}

// MTFilter is one mobile-terminated filter rule on an account.
type MTFilter struct {
	RuleType string
	Address  string
}

// AccountDetail is the complete account object. The upstream update call
// requires the full object echoed back with only the changed fields altered,
// so every field here must survive a detail fetch unmodified.
type AccountDetail struct {
	AccountNumber       string
	Status              string
	PlanName            string
	BundleID            string
	IMEI                string
	ActivationDate      string
	LastUpdated         string
	RingAlerts          string
	HomeGateway         string
	SPReference         string
	Promo               string
	DemoAndTrial        string
	AccountPoolingGroup string
	LritFlagstate       string
	BulkAction          string
	Destinations        []DeliveryDetail
	MTFilters           []MTFilter
}

// Plan is one billing bundle the upstream can associate with an account.
type Plan struct {
	ID   string
	Name string
}

// DeviceValidation is the result of a device-string check.
type DeviceValidation struct {
	Valid             bool
	DeviceString      string
	Reason            string
	SafetyDataCapable bool
}

// Verification values reported on a CommandResult.
const (
	VerificationSynchronous = "synchronous"
	VerificationConfirmed   = "confirmed-after-error"
)

// CommandResult reports an accepted command. TransactionID is present once
// the upstream has queued the asynchronous operation. When Verification is
// VerificationConfirmed the synchronous response looked like a failure but
// the target state was observed remotely; Note retains the original error.
type CommandResult struct {
	TransactionID  string
	AccountNumber  string
	IMEI           string
	Operation      string
	TargetStatus   string
	TargetPlanCode string
	TargetBundleID string
	Verification   string
	Note           string
}

// ValidateIMEI strips non-digits and checks the 15-digit, 30-prefixed
// hardware identifier format. Returns the normalized value.
func ValidateIMEI(imei string) (string, error) {
	var digits strings.Builder
	for _, r := range imei {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	normalized := digits.String()
	if len(normalized) != 15 {
		return "", fmt.Errorf("iws: invalid imei length %d (expected 15 digits): %s", len(normalized), imei)
	}
	if !strings.HasPrefix(normalized, "30") {
		return "", fmt.Errorf("iws: invalid imei prefix %s (expected 30): %s", normalized[:2], imei)
	}
	return normalized, nil
}

// Gateway exposes the domain operations of the upstream subscriber
// management service and owns the ambiguous-failure verification policy.
type Gateway struct {
	transport   *Transport
	username    string
	secret      []byte
	spAccount   string
	logger      *log.Logger
	verifyDelay time.Duration
	now         func() time.Time
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithVerifyDelay overrides the pause before the post-failure state check.
func WithVerifyDelay(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.verifyDelay = d }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway constructs a gateway. The username is forced upper case, which
// the upstream requires for signature validation.
func NewGateway(transport *Transport, username, secret, spAccount string, logger *log.Logger, opts ...GatewayOption) (*Gateway, error) {
	if transport == nil {
		return nil, errors.New("iws: nil transport")
	}
	if username == "" || secret == "" {
		return nil, errors.New("iws: username and secret required")
	}
	g := &Gateway{
		transport:   transport,
		username:    strings.ToUpper(username),
		secret:      []byte(secret),
		spAccount:   spAccount,
		logger:      logger,
		verifyDelay: defaultVerifyDelay,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// call signs, encodes, sends and decodes one action. The timestamp is
// generated at send time and never reused.
func (g *Gateway) call(ctx context.Context, action string, fields []Element) (*Node, error) {
	timestamp := Timestamp(g.now())
	header := Header{
		Username:  g.username,
		Signature: Sign(action, timestamp, g.secret),
		SPAccount: g.spAccount,
		Timestamp: timestamp,
	}
	body, err := g.transport.Send(ctx, action, EncodeRequest(action, header, fields))
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

// SystemStatus probes upstream connectivity and signature acceptance.
func (g *Gateway) SystemStatus(ctx context.Context) error {
	_, err := g.call(ctx, "getSystemStatus", nil)
	return err
}

// ValidateDevice checks a device string for format, ownership and state.
func (g *Gateway) ValidateDevice(ctx context.Context, deviceString string) (*DeviceValidation, error) {
	root, err := g.call(ctx, "validateDeviceString", []Element{
		El("serviceType", serviceTypeSBD),
		El("deviceString", deviceString),
		El("deviceStringType", "IMEI"),
		El("validateState", boolTrue),
	})
	if err != nil {
		return nil, err
	}
	return &DeviceValidation{
		Valid:             strings.EqualFold(root.TextOr("valid", boolFalse), boolTrue),
		DeviceString:      root.TextOr("deviceString", deviceString),
		Reason:            root.TextOr("reason", ""),
		SafetyDataCapable: strings.EqualFold(root.TextOr("safetyDataCapable", boolFalse), boolTrue),
	}, nil
}

// LookupAccount searches the subscriber account for a device. Returns
// *NotFoundError when no subscriber carries the given identifier.
func (g *Gateway) LookupAccount(ctx context.Context, imei string) (*AccountSnapshot, error) {
	normalized, err := ValidateIMEI(imei)
	if err != nil {
		return nil, err
	}
	root, err := g.call(ctx, "accountSearch", []Element{
		El("serviceType", serviceTypeSBD),
		El("filterType", "IMEI"),
		El("filterCond", "EXACT"),
		El("filterValue", normalized),
	})
	if err != nil {
		return nil, err
	}
	for _, subscriber := range root.All("subscriber") {
		if subscriber.TextOr("imei", "") != normalized {
			continue
		}
		account, ok := subscriber.TextOf("accountNumber")
		if !ok {
			continue
		}
		return &AccountSnapshot{
			AccountNumber:  account,
			Status:         subscriber.TextOr("accountStatus", StatusUnknown),
			PlanName:       subscriber.TextOr("planName", ""),
			IMEI:           normalized,
			ActivationDate: subscriber.TextOr("activationDate", ""),
			ICCID:          subscriber.TextOr("iccid", ""),
			SPReference:    subscriber.TextOr("spReference", ""),
			AccountType:    subscriber.TextOr("accountType", ""),
		}, nil
	}
	return nil, &NotFoundError{IMEI: normalized}
}

// GetAccountDetail fetches the complete account object. The request field
// is accountNo, not subscriberAccountNumber.
func (g *Gateway) GetAccountDetail(ctx context.Context, accountNumber string) (*AccountDetail, error) {
	if accountNumber == "" {
		return nil, errors.New("iws: empty account number")
	}
	root, err := g.call(ctx, "getSubscriberAccount", []Element{
		El("accountNo", accountNumber),
	})
	if err != nil {
		return nil, err
	}

	detail := &AccountDetail{
		AccountNumber:       accountNumber,
		Status:              root.TextOr("accountStatus", StatusUnknown),
		PlanName:            root.TextOr("planName", ""),
		BundleID:            root.TextOr("sbdBundleId", ""),
		IMEI:                root.TextOr("imei", ""),
		ActivationDate:      root.TextOr("activationDate", ""),
		LastUpdated:         root.TextOr("lastUpdated", ""),
		RingAlerts:          root.TextOr("ringAlertsFlag", boolFalse),
		HomeGateway:         root.TextOr("homeGateway", ""),
		SPReference:         root.TextOr("spReference", ""),
		Promo:               root.TextOr("promo", "0"),
		DemoAndTrial:        root.TextOr("demoAndTrial", "0"),
		AccountPoolingGroup: root.TextOr("accountPoolingGroup", "0"),
		LritFlagstate:       root.TextOr("lritFlagstate", ""),
		BulkAction:          strings.ToUpper(root.TextOr("bulkAction", "FALSE")),
	}
	for _, node := range root.All("deliveryDetail") {
		destination, ok := node.TextOf("destination")
		if !ok {
			continue
		}
		detail.Destinations = append(detail.Destinations, DeliveryDetail{
			Destination: destination,
			Method:      node.TextOr("deliveryMethod", ""),
			GeoData:     node.TextOr("geoDataFlag", "FALSE"),
			MOAck:       node.TextOr("moAckFlag", "FALSE"),
		})
	}
	for _, node := range root.All("mtFilter") {
		detail.MTFilters = append(detail.MTFilters, MTFilter{
			RuleType: node.TextOr("ruleType", ""),
			Address:  node.TextOr("address", ""),
		})
	}
	return detail, nil
}

// ListEligiblePlans fetches the bundles reachable from the given bundle.
// fromBundleID "0" lists the full catalog; a concrete id constrains the
// result to legal upgrade/downgrade targets.
func (g *Gateway) ListEligiblePlans(ctx context.Context, fromBundleID string, forActivate bool) ([]Plan, error) {
	if fromBundleID == "" {
		fromBundleID = "0"
	}
	activate := boolFalse
	if forActivate {
		activate = boolTrue
	}
	root, err := g.call(ctx, "getSBDBundles", []Element{
		El("fromBundleId", fromBundleID),
		El("forActivate", activate),
		{Name: "sbdPlan"},
	})
	if err != nil {
		return nil, err
	}
	var plans []Plan
	for _, node := range root.All("bundle") {
		name, ok := node.TextOf("name")
		if !ok {
			if name, ok = node.TextOf("bundleCode"); !ok {
				name = node.TextOr("code", "")
			}
		}
		id, ok := node.TextOf("id")
		if !ok {
			id = node.TextOr("bundleId", "")
		}
		if id == "" {
			continue
		}
		plans = append(plans, Plan{ID: id, Name: name})
	}
	return plans, nil
}

// SetStatus transitions an account to the target status. Suspending an
// already-suspended or deactivating an already-deactivated account fails
// with *BusinessStateError before any mutation call. A transport or
// protocol failure during the mutation triggers the verification policy.
func (g *Gateway) SetStatus(ctx context.Context, imei, targetStatus, reason string) (*CommandResult, error) {
	normalized, err := ValidateIMEI(imei)
	if err != nil {
		return nil, err
	}
	switch targetStatus {
	case StatusActive, StatusSuspended, StatusDeactivated:
	default:
		return nil, fmt.Errorf("iws: unsupported target status %s", targetStatus)
	}

	snapshot, err := g.LookupAccount(ctx, normalized)
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		// Lookup failed for transport reasons; continue without a
		// snapshot, which also disables post-failure verification.
		snapshot = nil
	}
	if snapshot != nil {
		if targetStatus == StatusSuspended && snapshot.Status == StatusSuspended {
			return nil, &BusinessStateError{Operation: "suspend", IMEI: normalized, CurrentStatus: snapshot.Status, Reason: "account is already suspended"}
		}
		if targetStatus == StatusDeactivated && snapshot.Status == StatusDeactivated {
			return nil, &BusinessStateError{Operation: "deactivate", IMEI: normalized, CurrentStatus: snapshot.Status, Reason: "account is already deactivated"}
		}
	}

	root, sendErr := g.call(ctx, "setSubscriberAccountStatus", []Element{
		El("serviceType", serviceTypeSBD),
		El("updateType", updateTypeIMEI),
		El("value", normalized),
		El("newStatus", targetStatus),
		El("reason", reason),
	})

	result := &CommandResult{
		IMEI:         normalized,
		Operation:    "setSubscriberAccountStatus",
		TargetStatus: targetStatus,
		Verification: VerificationSynchronous,
	}
	if snapshot != nil {
		result.AccountNumber = snapshot.AccountNumber
	}
	if sendErr == nil {
		result.TransactionID = root.TextOr("transactionId", "")
		metrics.IncCommandResult("accepted")
		return result, nil
	}
	if !IsRemoteFailure(sendErr) || snapshot == nil {
		metrics.IncCommandResult("failed")
		return nil, sendErr
	}

	// The upstream is known to answer error-looking responses for
	// operations that nonetheless complete. Re-read the account and
	// compare against the intended state before giving up.
	if verified := g.verifyStatus(ctx, normalized, targetStatus); verified {
		result.Verification = VerificationConfirmed
		result.Note = sendErr.Error()
		metrics.IncVerificationRescue()
		if g.logger != nil {
			g.logger.Printf("iws setStatus rescued by verification imei=%s target=%s", normalized, targetStatus)
		}
		return result, nil
	}
	metrics.IncCommandResult("failed")
	return nil, sendErr
}

func (g *Gateway) verifyStatus(ctx context.Context, imei, targetStatus string) bool {
	g.pause(ctx)
	snapshot, err := g.LookupAccount(ctx, imei)
	if err != nil {
		return false
	}
	return snapshot.Status == targetStatus
}

func (g *Gateway) pause(ctx context.Context) {
	if g.verifyDelay <= 0 {
		return
	}
	timer := time.NewTimer(g.verifyDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ChangePlan moves an account to a new billing plan. The upstream requires
// the complete account object on update, with only the plan field altered,
// and accepts only numeric bundle ids resolved from the eligible catalog.
func (g *Gateway) ChangePlan(ctx context.Context, imei, newPlanCode string) (*CommandResult, error) {
	normalized, err := ValidateIMEI(imei)
	if err != nil {
		return nil, err
	}
	if newPlanCode == "" {
		return nil, errors.New("iws: empty plan code")
	}

	snapshot, err := g.LookupAccount(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if snapshot.Status == StatusPending {
		return nil, &BusinessStateError{
			Operation:     "changePlan",
			IMEI:          normalized,
			CurrentStatus: snapshot.Status,
			Reason:        "account has an order in flight; updates are rejected until it completes",
		}
	}

	catalog, err := g.ListEligiblePlans(ctx, "0", false)
	if err != nil {
		return nil, err
	}
	currentBundleID := "0"
	for _, plan := range catalog {
		if plan.Name == snapshot.PlanName {
			currentBundleID = plan.ID
			break
		}
	}
	eligible, err := g.ListEligiblePlans(ctx, currentBundleID, false)
	if err != nil {
		return nil, err
	}
	targetBundleID, targetPlanName := resolvePlan(eligible, newPlanCode)
	if targetBundleID == "" {
		return nil, fmt.Errorf("iws: plan %s is not an eligible target from %s", newPlanCode, snapshot.PlanName)
	}

	detail, err := g.GetAccountDetail(ctx, snapshot.AccountNumber)
	if err != nil {
		return nil, err
	}

	root, sendErr := g.call(ctx, "accountUpdate", []Element{accountUpdateBody(detail, targetBundleID)})

	result := &CommandResult{
		IMEI:           normalized,
		AccountNumber:  snapshot.AccountNumber,
		Operation:      "accountUpdate",
		TargetPlanCode: newPlanCode,
		TargetBundleID: targetBundleID,
		Verification:   VerificationSynchronous,
	}
	if sendErr == nil {
		result.TransactionID = root.TextOr("transactionId", "")
		metrics.IncCommandResult("accepted")
		return result, nil
	}
	if !IsRemoteFailure(sendErr) {
		metrics.IncCommandResult("failed")
		return nil, sendErr
	}

	if g.verifyPlan(ctx, normalized, targetPlanName) {
		result.Verification = VerificationConfirmed
		result.Note = sendErr.Error()
		metrics.IncVerificationRescue()
		if g.logger != nil {
			g.logger.Printf("iws changePlan rescued by verification imei=%s plan=%s", normalized, newPlanCode)
		}
		return result, nil
	}
	metrics.IncCommandResult("failed")
	return nil, sendErr
}

func (g *Gateway) verifyPlan(ctx context.Context, imei, targetPlanName string) bool {
	if targetPlanName == "" {
		return false
	}
	g.pause(ctx)
	snapshot, err := g.LookupAccount(ctx, imei)
	if err != nil {
		return false
	}
	return normalizePlanName(snapshot.PlanName) == normalizePlanName(targetPlanName)
}

// resolvePlan maps a caller-supplied plan code to a numeric bundle id:
// exact name match first, then space-insensitive, then a raw numeric id.
func resolvePlan(plans []Plan, code string) (id, name string) {
	for _, plan := range plans {
		if plan.Name == code {
			return plan.ID, plan.Name
		}
	}
	normalized := normalizePlanName(code)
	for _, plan := range plans {
		if normalizePlanName(plan.Name) == normalized {
			return plan.ID, plan.Name
		}
	}
	if isDigits(code) {
		for _, plan := range plans {
			if plan.ID == code {
				return plan.ID, plan.Name
			}
		}
	}
	return "", ""
}

func normalizePlanName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, " ", ""))
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// accountUpdateBody echoes the complete account object with only the
// bundle id changed. Dropping fields here makes the upstream reject or,
// worse, silently clear them.
func accountUpdateBody(detail *AccountDetail, newBundleID string) Element {
	deliveries := Element{Name: "deliveryDetails"}
	for _, d := range detail.Destinations {
		deliveries.Children = append(deliveries.Children, Element{
			Name: "deliveryDetail",
			Children: []Element{
				El("destination", d.Destination),
				El("deliveryMethod", d.Method),
				El("geoDataFlag", d.GeoData),
				El("moAckFlag", d.MOAck),
			},
		})
	}
	filters := Element{Name: "mtFilters"}
	for _, f := range detail.MTFilters {
		filters.Children = append(filters.Children, Element{
			Name: "mtFilter",
			Children: []Element{
				El("ruleType", f.RuleType),
				El("address", f.Address),
			},
		})
	}
	return Element{
		Name: "sbdSubscriberAccount2",
		Children: []Element{
			El("subscriberAccountNumber", detail.AccountNumber),
			El("accountStatus", detail.Status),
			{Name: "plan", Children: []Element{
				El("promo", detail.Promo),
				El("demoAndTrial", detail.DemoAndTrial),
				El("accountPoolingGroup", detail.AccountPoolingGroup),
				El("sbdBundleId", newBundleID),
				El("lritFlagstate", detail.LritFlagstate),
				El("ringAlertsFlag", detail.RingAlerts),
			}},
			{Name: "subscriberAccountMetadata", Children: []Element{
				El("spReference", detail.SPReference),
			}},
			El("imei", detail.IMEI),
			El("bulkAction", detail.BulkAction),
			deliveries,
			filters,
		},
	}
}
