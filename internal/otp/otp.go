// Package otp sends and checks SMS one-time passwords through a verification
// provider. Every outcome, including bad input, is a Response; only the HTTP
// layer deals in status codes.
package otp

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/example/quickrun-notify/internal/logging"
	"github.com/example/quickrun-notify/internal/observability"
)

const (
	MsgPhoneRequired  = "Phone number is required"
	MsgPhoneFormat    = "Phone number must be in E.164 format (e.g., +91928478743)"
	MsgCodeRequired   = "Valid 6-digit OTP code is required"
	MsgConfigError    = "OTP service configuration error. Please contact support."
	MsgSent           = "OTP sent successfully"
	MsgVerified       = "OTP verified successfully"
	MsgInvalidCode    = "Invalid OTP code"
	MsgExpired        = "OTP verification expired. Please request a new OTP."
	MsgSendFailed     = "Failed to send OTP. Please try again."
	MsgVerifyFailed   = "Failed to verify OTP. Please try again."
	StatusApproved    = "approved"
	codeLength        = 6
	twilioNotFoundErr = 20404
)

// ErrExpired is returned by providers when the verification no longer exists.
var ErrExpired = errors.New("verification expired")

// Verification is the provider's view of one OTP attempt.
type Verification struct {
	SID    string
	Status string
}

type Provider interface {
	Start(ctx context.Context, phone string) (Verification, error)
	Check(ctx context.Context, phone, code string) (Verification, error)
}

type Response struct {
	Success  bool   `json:"success"`
	Verified *bool  `json:"verified,omitempty"`
	Message  string `json:"message,omitempty"`
	SID      string `json:"sid,omitempty"`
	Status   string `json:"status,omitempty"`
}

type Service struct {
	provider Provider
	logger   *slog.Logger
}

// NewService returns a service. A nil provider means credentials are missing;
// every call then answers with the configuration message.
func NewService(provider Provider, logger *slog.Logger) *Service {
	return &Service{provider: provider, logger: logging.Component(logger, "otp")}
}

func (s *Service) Send(ctx context.Context, phone string) Response {
	if msg := validatePhone(phone); msg != "" {
		return s.done("send", "invalid", Response{Message: msg})
	}
	if s.provider == nil {
		s.logger.Error("verification provider not configured")
		return s.done("send", "config_error", Response{Message: MsgConfigError})
	}
	v, err := s.provider.Start(ctx, phone)
	if err != nil {
		s.logger.Error("send otp failed", "error", err)
		return s.done("send", "provider_error", Response{Message: errMessage(err, MsgSendFailed)})
	}
	s.logger.Info("otp sent", "phone", maskPhone(phone), "status", v.Status)
	return s.done("send", "ok", Response{Success: true, Message: MsgSent, SID: v.SID, Status: v.Status})
}

func (s *Service) Verify(ctx context.Context, phone, code string) Response {
	no := false
	// Verify only needs a phone; the number was format-checked on send.
	if strings.TrimSpace(phone) == "" {
		return s.done("verify", "invalid", Response{Verified: &no, Message: MsgPhoneRequired})
	}
	if !validCode(code) {
		return s.done("verify", "invalid", Response{Verified: &no, Message: MsgCodeRequired})
	}
	if s.provider == nil {
		s.logger.Error("verification provider not configured")
		return s.done("verify", "config_error", Response{Verified: &no, Message: MsgConfigError})
	}
	v, err := s.provider.Check(ctx, phone, code)
	if errors.Is(err, ErrExpired) {
		return s.done("verify", "expired", Response{Verified: &no, Message: MsgExpired})
	}
	if err != nil {
		s.logger.Error("verify otp failed", "error", err)
		return s.done("verify", "provider_error", Response{Verified: &no, Message: errMessage(err, MsgVerifyFailed)})
	}
	approved := v.Status == StatusApproved
	s.logger.Info("otp checked", "phone", maskPhone(phone), "approved", approved, "status", v.Status)
	msg, result := MsgInvalidCode, "rejected"
	if approved {
		msg, result = MsgVerified, "approved"
	}
	return s.done("verify", result, Response{Success: true, Verified: &approved, Message: msg, Status: v.Status})
}

func (s *Service) done(op, result string, r Response) Response {
	observability.OTPRequestsTotal.WithLabelValues(op, result).Inc()
	return r
}

func validatePhone(phone string) string {
	if strings.TrimSpace(phone) == "" {
		return MsgPhoneRequired
	}
	if !strings.HasPrefix(phone, "+") {
		return MsgPhoneFormat
	}
	return ""
}

func validCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func errMessage(err error, fallback string) string {
	if m := strings.TrimSpace(err.Error()); m != "" {
		return m
	}
	return fallback
}

func maskPhone(p string) string {
	if len(p) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(p)-4) + p[len(p)-4:]
}
