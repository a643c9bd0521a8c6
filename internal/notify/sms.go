package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	ErrMissingSMSAccount = errors.New("notify: sms account sid and auth token are required")
	ErrMissingSMSSender  = errors.New("notify: sms from number is required")
	ErrMissingRecipient  = errors.New("notify: recipient is required")
)

const (
	defaultSMSBaseURL = "https://api.twilio.com"
	smsBreakerName    = "sms-provider"
)

// SMSConfig configures the Twilio-compatible REST sender.
type SMSConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	FromNumber string
	HTTPClient *http.Client
	Logger     *zap.Logger
	// OnStateChange observes breaker transitions, for metrics.
	OnStateChange func(from, to string)
}

// SMSClient posts messages to a Twilio-compatible Messages endpoint behind a
// circuit breaker, so a failing provider stops costing request latency.
type SMSClient struct {
	endpoint   string
	accountSID string
	authToken  string
	from       string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[struct{}]
	logger     *zap.Logger
}

// NewSMSClient validates cfg and builds the client.
func NewSMSClient(cfg SMSConfig) (*SMSClient, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, ErrMissingSMSAccount
	}
	if strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, ErrMissingSMSSender
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultSMSBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        smsBreakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("sms circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from.String(), to.String())
			}
		},
	})

	return &SMSClient{
		endpoint:   fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", baseURL, url.PathEscape(cfg.AccountSID)),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.FromNumber,
		httpClient: httpClient,
		breaker:    breaker,
		logger:     logger,
	}, nil
}

// SendText delivers one message. Provider rejections and open-breaker
// refusals are both returned as errors.
func (c *SMSClient) SendText(ctx context.Context, phoneNumber, message string) error {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return ErrMissingRecipient
	}
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.post(ctx, phoneNumber, message)
	})
	if err != nil {
		return fmt.Errorf("send sms to %s: %w", maskPhone(phoneNumber), err)
	}
	c.logger.Debug("sms sent", zap.String("to", maskPhone(phoneNumber)))
	return nil
}

func (c *SMSClient) post(ctx context.Context, phoneNumber, message string) error {
	form := url.Values{}
	form.Set("To", phoneNumber)
	form.Set("From", c.from)
	form.Set("Body", message)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	request.SetBasicAuth(c.accountSID, c.authToken)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("provider responded %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}
