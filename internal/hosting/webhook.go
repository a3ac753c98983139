package hosting

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the "sha256=<hex>" HMAC of the request body.
const SignatureHeader = "X-Autopatch-Signature"

// DeliveryHeader carries the delivery id when the body does not.
const DeliveryHeader = "X-Delivery-ID"

// maxWebhookBody bounds a webhook request body.
const maxWebhookBody = 5 << 20

// ErrBadSignature is returned for a missing or invalid webhook signature.
var ErrBadSignature = errors.New("invalid webhook signature")

// FailedDeployment is a failed-deployment webhook payload.
type FailedDeployment struct {
	DeliveryID     string `json:"deliveryId"`
	DeploymentID   string `json:"deploymentId"`
	SubscriptionID string `json:"subscriptionId"`
	// ProjectID identifies the subscription when SubscriptionID is absent.
	ProjectID      string `json:"projectId,omitempty"`
	ProjectName    string `json:"projectName"`
	Branch         string `json:"branch"`
	BuildErrorText string `json:"buildErrorText"`
}

// ParseWebhook reads and validates a failed-deployment webhook. When secret
// is non-empty the body must carry a valid signature.
func ParseWebhook(r *http.Request, secret string) (*FailedDeployment, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if secret != "" && !VerifySignature(body, r.Header.Get(SignatureHeader), secret) {
		return nil, ErrBadSignature
	}

	var ev FailedDeployment
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("parsing webhook payload: %w", err)
	}
	if ev.DeliveryID == "" {
		ev.DeliveryID = r.Header.Get(DeliveryHeader)
	}
	if ev.DeploymentID == "" {
		return nil, errors.New("webhook payload has no deploymentId")
	}
	if ev.SubscriptionID == "" && ev.ProjectID == "" {
		return nil, errors.New("webhook payload has neither subscriptionId nor projectId")
	}
	return &ev, nil
}

// VerifySignature checks a "sha256=<hex>" HMAC of payload.
func VerifySignature(payload []byte, signature, secret string) bool {
	decoded, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil || len(decoded) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(decoded, mac.Sum(nil))
}

// Sign returns the signature VerifySignature expects.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
