package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	logx "medremind/pkg/logx"
)

const twilioBaseURL = "https://api.twilio.com"

// TwilioConfig configures the SMS sender.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	Timeout    time.Duration
}

func (c TwilioConfig) Configured() bool {
	return strings.TrimSpace(c.AccountSID) != "" && strings.TrimSpace(c.AuthToken) != "" && strings.TrimSpace(c.From) != ""
}

// Twilio sends SMS through the Twilio Messages API.
type Twilio struct {
	cfg  TwilioConfig
	http *resty.Client
	log  logx.Logger
}

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func NewTwilio(cfg TwilioConfig, log logx.Logger) (*Twilio, error) {
	if !cfg.Configured() {
		return nil, errors.New("twilio: account_sid, auth_token and from are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
		SetHeader("Accept", "application/json")
	return &Twilio{cfg: cfg, http: c, log: log.With(logx.String("sender", "twilio"))}, nil
}

func (t *Twilio) Send(ctx context.Context, to, message string) error {
	var (
		ok  twilioMessage
		bad twilioError
	)
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":   to,
			"From": t.cfg.From,
			"Body": message,
		}).
		SetResult(&ok).
		SetError(&bad).
		Post("/2010-04-01/Accounts/" + t.cfg.AccountSID + "/Messages.json")
	if err != nil {
		return Transient(fmt.Errorf("twilio request: %w", err))
	}

	code := resp.StatusCode()
	if resp.IsSuccess() {
		t.log.Debug("sms accepted", logx.String("sid", ok.SID), logx.String("status", ok.Status))
		return nil
	}
	detail := strings.TrimSpace(bad.Message)
	if detail == "" {
		detail = strings.TrimSpace(resp.String())
	}
	err = fmt.Errorf("twilio status %d (code %d): %s", code, bad.Code, detail)
	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return Transient(err)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		// Bad credentials affect every send; retrying lets an operator fix them.
		return Transient(err)
	case code >= 400:
		return Permanent(err)
	default:
		return Transient(err)
	}
}
