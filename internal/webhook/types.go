package webhook

import (
	"context"

	"github.com/mattjoyce/hookbuild/internal/build"
	"github.com/mattjoyce/hookbuild/internal/config"
)

//go:generate mockgen -destination=mocks/mock_trigger.go -package=mocks github.com/mattjoyce/hookbuild/internal/webhook BuildTrigger

// BuildTrigger starts a build for a verified delivery.
type BuildTrigger interface {
	Trigger(ctx context.Context, req build.Request) (string, error)
}

// Config holds webhook server configuration. The secret is not part of it;
// it lives in the signature.Verifier handed to New.
type Config struct {
	Listen          string
	Path            string
	SignatureHeader string
	MaxBodySize     int64
}

// FromGlobalConfig converts config.WebhookConfig to webhook.Config.
func FromGlobalConfig(wc config.WebhookConfig) Config {
	return Config{
		Listen:          wc.Listen,
		Path:            wc.Path,
		SignatureHeader: wc.SignatureHeader,
		MaxBodySize:     wc.MaxBodyBytes(),
	}
}

// TriggerResponse is the JSON response for accepted deliveries.
type TriggerResponse struct {
	Status  string `json:"status"`
	BuildID string `json:"build_id"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Caller-visible error messages. They never carry verification details.
const (
	MsgForbidden     = "request body was not signed or verification failed"
	MsgTooLarge      = "payload too large"
	MsgMalformed     = "malformed payload"
	MsgReadFailed    = "failed to read request body"
	MsgUnavailable   = "build runner unavailable"
	MsgTriggerFailed = "failed to trigger build"
)

// StatusAccepted is the TriggerResponse status for a started build.
const StatusAccepted = "accepted"

// Default values
const (
	DefaultPath        = config.DefaultPath
	DefaultMaxBodySize = config.DefaultMaxBodySize
)
