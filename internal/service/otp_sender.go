package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/gamepulse/lobbyd/internal/observability"
)

// OTPSender delivers a one-time code to a mobile identity.
type OTPSender interface {
	Send(ctx context.Context, mobileNo, code string, expiresIn time.Duration) error
}

// LogOTPSender stands in for SMS delivery in dev and test profiles. The
// code lands in the log stream instead of a phone.
type LogOTPSender struct {
	logger *slog.Logger
}

func NewLogOTPSender(logger *slog.Logger) *LogOTPSender {
	return &LogOTPSender{logger: logger}
}

func (s *LogOTPSender) Send(_ context.Context, mobileNo, code string, expiresIn time.Duration) error {
	s.logger.Warn("sms delivery disabled, logging otp",
		"mobile_no", observability.MaskMobile(mobileNo),
		"code", code,
		"expires_in", expiresIn.String(),
	)
	return nil
}

func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sns.NewFromConfig(awsCfg), nil
}

// SNSOTPSender publishes codes as transactional SMS via AWS SNS.
type SNSOTPSender struct {
	client   *sns.Client
	senderID string
}

func NewSNSOTPSender(client *sns.Client, senderID string) *SNSOTPSender {
	return &SNSOTPSender{
		client:   client,
		senderID: senderID,
	}
}

func (s *SNSOTPSender) Send(ctx context.Context, mobileNo, code string, expiresIn time.Duration) error {
	message := fmt.Sprintf("Your GamePulse login code is %s. It expires in %d minutes.", code, int(expiresIn.Minutes()))
	input := &sns.PublishInput{
		PhoneNumber: aws.String(mobileNo),
		Message:     aws.String(message),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	}
	if s.senderID != "" {
		input.MessageAttributes["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}
	if _, err := s.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish otp sms: %w", err)
	}
	return nil
}
