package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/service/sending"
)

// Message tag names attached to every SES send. The tracking consumer reads
// them back from delivery and open notifications.
const (
	TagCampaignID = "campaign_id"
	TagCustomerID = "customer_id"
)

// sesAPI is the slice of the SES v2 client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures SESSender.
type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	FromEmail        string
	FromName         string
	Subject          string
	ConfigurationSet string
}

// SESSender delivers campaign messages through AWS SES v2.
type SESSender struct {
	cfg    SESConfig
	client sesAPI
}

// NewSESSender creates an SES sender. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func NewSESSender(ctx context.Context, cfg SESConfig) (*SESSender, error) {
	if cfg.FromEmail == "" {
		return nil, errors.New("ses: from email is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ses: load aws config: %w", err)
	}
	return newSESSender(cfg, sesv2.NewFromConfig(awsCfg)), nil
}

func newSESSender(cfg SESConfig, client sesAPI) *SESSender {
	if cfg.Subject == "" {
		cfg.Subject = "A message for you"
	}
	return &SESSender{cfg: cfg, client: client}
}

// Send delivers one message. Customers without an email address are not
// attempted and come back as FAILED_NO_EMAIL.
func (s *SESSender) Send(ctx context.Context, msg sending.Message) (sending.Result, error) {
	if !msg.Customer.HasEmail() {
		return sending.Result{Outcome: sending.FailedNoEmail, Detail: "customer has no email address"}, nil
	}

	from := s.cfg.FromEmail
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.FromEmail)
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.Customer.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(s.cfg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String(TagCampaignID), Value: aws.String(msg.CampaignID)},
			{Name: aws.String(TagCustomerID), Value: aws.String(msg.Customer.CustomerID)},
		},
	}
	if s.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		logger.Warn("ses: send failed",
			"campaign_id", msg.CampaignID,
			"customer_id", msg.Customer.CustomerID,
			"email", msg.Customer.Email,
			"error", err)
		return sending.Result{Outcome: sending.DispatchFailed, Detail: err.Error()}, nil
	}

	messageID := aws.ToString(out.MessageId)
	logger.Debug("ses: sent",
		"campaign_id", msg.CampaignID,
		"customer_id", msg.Customer.CustomerID,
		"message_id", messageID)
	return sending.Result{Outcome: sending.DispatchSuccessful, MessageID: messageID}, nil
}
