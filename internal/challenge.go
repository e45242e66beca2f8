package internal

import (
	"context"
	"fmt"
	"net/http"

	"github.com/WelcomerTeam/Panini/discord"
)

// captchaMessages are the captcha_key values that mark a captcha challenge.
var captchaMessages = []string{
	"incorrect-captcha",
	"response-already-used",
	"captcha-required",
	"invalid-input-response",
	"invalid-response",
	"You need to update your app",
	"response-already-used-error",
	"rqkey-mismatch",
	"sitekey-secret-mismatch",
}

// CaptchaSolver solves a captcha challenge and returns the key to retry with.
type CaptchaSolver interface {
	SolveCaptcha(ctx context.Context, challenge *discord.ErrorMessage, userAgent string) (string, error)
}

// CaptchaSolverFunc adapts a function to CaptchaSolver.
type CaptchaSolverFunc func(ctx context.Context, challenge *discord.ErrorMessage, userAgent string) (string, error)

func (f CaptchaSolverFunc) SolveCaptcha(ctx context.Context, challenge *discord.ErrorMessage, userAgent string) (string, error) {
	return f(ctx, challenge, userAgent)
}

// StepUpHandler exchanges an MFA ticket for the token sent in
// X-Discord-Mfa-Authorization.
type StepUpHandler interface {
	StepUp(ctx context.Context, challenge *discord.MFAChallenge, code string) (string, error)
}

// StepUpHandlerFunc adapts a function to StepUpHandler.
type StepUpHandlerFunc func(ctx context.Context, challenge *discord.MFAChallenge, code string) (string, error)

func (f StepUpHandlerFunc) StepUp(ctx context.Context, challenge *discord.MFAChallenge, code string) (string, error) {
	return f(ctx, challenge, code)
}

type mfaFinishRequest struct {
	Ticket  string `json:"ticket"`
	MFAType string `json:"mfa_type"`
	Data    string `json:"data"`
}

type mfaFinishResponse struct {
	Token string `json:"token"`
}

// totpStepUp finishes the MFA ticket with a TOTP code through the dispatcher.
func (d *Dispatcher) totpStepUp(ctx context.Context, challenge *discord.MFAChallenge, code string) (string, error) {
	var finish mfaFinishResponse

	err := d.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/mfa/finish",
		Body: mfaFinishRequest{
			Ticket:  challenge.Ticket,
			MFAType: "totp",
			Data:    code,
		},
	}, &finish)
	if err != nil {
		return "", fmt.Errorf("failed to finish mfa: %w", err)
	}

	return finish.Token, nil
}

// isCaptchaChallenge returns true if the error body asks for a captcha.
func isCaptchaChallenge(body *discord.ErrorMessage) bool {
	if body == nil {
		return false
	}

	if body.HasCaptcha() {
		return true
	}

	for _, key := range body.CaptchaKey {
		for _, message := range captchaMessages {
			if key == message {
				return true
			}
		}
	}

	return false
}

// resolveChallenge tries to answer a captcha or MFA challenge. It returns
// true if the submission should be executed again.
func (d *Dispatcher) resolveChallenge(ctx context.Context, s *submission, body *discord.ErrorMessage) (bool, error) {
	switch {
	case isCaptchaChallenge(body) && d.captcha != nil && s.attempt.captchas < d.config.CaptchaRetryLimit:
		d.Logger.Debug().
			Str("route", s.route).
			Str("service", body.CaptchaService).
			Int("attempt", s.attempt.captchas).
			Msg("Solving captcha")

		key, err := d.captcha.SolveCaptcha(ctx, body, d.config.UserAgent)
		if err != nil {
			return false, fmt.Errorf("failed to solve captcha: %w", err)
		}

		if key == "" {
			return false, nil
		}

		s.attempt.captchas++
		s.attempt.retries++
		s.attempt.captchaKey = key
		s.attempt.captchaRqtoken = body.CaptchaRqtoken

		return true, nil
	case body != nil && body.Code == discord.ErrorCodeMFARequired && body.MFA != nil && !s.attempt.steppedUp:
		handler := d.stepUp
		if handler == nil && s.req.MFACode != "" {
			handler = StepUpHandlerFunc(d.totpStepUp)
		}

		if handler == nil {
			return false, nil
		}

		d.Logger.Debug().
			Str("route", s.route).
			Msg("Completing MFA step-up")

		s.attempt.steppedUp = true

		token, err := handler.StepUp(ctx, body.MFA, s.req.MFACode)
		if err != nil {
			return false, fmt.Errorf("failed to complete step-up: %w", err)
		}

		if token == "" {
			return false, nil
		}

		s.attempt.retries++
		s.attempt.mfaToken = token

		return true, nil
	default:
		return false, nil
	}
}
