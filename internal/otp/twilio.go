package otp

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	verify "github.com/twilio/twilio-go/rest/verify/v2"

	"github.com/example/quickrun-notify/internal/config"
)

// verifyAPI is the part of the Twilio Verify v2 client the provider calls.
type verifyAPI interface {
	CreateVerification(serviceSid string, params *verify.CreateVerificationParams) (*verify.VerifyV2Verification, error)
	CreateVerificationCheck(serviceSid string, params *verify.CreateVerificationCheckParams) (*verify.VerifyV2VerificationCheck, error)
}

// TwilioProvider delivers codes by SMS through Twilio Verify.
type TwilioProvider struct {
	api        verifyAPI
	serviceSID string
}

// NewTwilioProvider returns nil when any credential is missing, which the
// Service reports as a configuration error.
func NewTwilioProvider(cfg config.TwilioConfig) Provider {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.ServiceSID == "" {
		return nil
	}
	c := twilio.NewRestClientWithParams(twilio.ClientParams{Username: cfg.AccountSID, Password: cfg.AuthToken})
	return &TwilioProvider{api: c.VerifyV2, serviceSID: cfg.ServiceSID}
}

// Twilio's Go SDK takes no context; calls are bounded by its HTTP client timeout.
func (t *TwilioProvider) Start(_ context.Context, phone string) (Verification, error) {
	params := &verify.CreateVerificationParams{}
	params.SetTo(phone)
	params.SetChannel("sms")
	resp, err := t.api.CreateVerification(t.serviceSID, params)
	if err != nil {
		return Verification{}, mapTwilioErr(err)
	}
	return Verification{SID: deref(resp.Sid), Status: deref(resp.Status)}, nil
}

func (t *TwilioProvider) Check(_ context.Context, phone, code string) (Verification, error) {
	params := &verify.CreateVerificationCheckParams{}
	params.SetTo(phone)
	params.SetCode(code)
	resp, err := t.api.CreateVerificationCheck(t.serviceSID, params)
	if err != nil {
		return Verification{}, mapTwilioErr(err)
	}
	return Verification{SID: deref(resp.Sid), Status: deref(resp.Status)}, nil
}

func mapTwilioErr(err error) error {
	var te *client.TwilioRestError
	if errors.As(err, &te) {
		if te.Code == twilioNotFoundErr {
			return fmt.Errorf("%w: %s", ErrExpired, te.Message)
		}
		return errors.New(te.Message)
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
