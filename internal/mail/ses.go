package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESConfig holds settings for the SES provider.
type SESConfig struct {
	Region string
}

// SESProvider sends email through AWS SES. Plain HTML sends use the
// structured SendEmail call; messages with attachments go through
// SendRawEmail with a hand-built MIME envelope, since SES has no
// attachment support in the structured API.
type SESProvider struct {
	client *ses.Client
	logger *zap.Logger
}

// NewSESProvider creates the provider from the default AWS credential chain.
func NewSESProvider(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESProvider{
		client: ses.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send submits one email and returns the SES message id.
func (p *SESProvider) Send(ctx context.Context, email *Email) (string, error) {
	if email.Attachment != nil {
		return p.sendRaw(ctx, email)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(email.From),
		Destination: &types.Destination{
			ToAddresses: email.To,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(email.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(email.HTML),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return "", classifySESError(err)
	}

	p.logger.Debug("ses accepted email",
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return aws.ToString(result.MessageId), nil
}

func (p *SESProvider) sendRaw(ctx context.Context, email *Email) (string, error) {
	raw, err := buildRawMessage(email)
	if err != nil {
		return "", fmt.Errorf("build raw message: %w", err)
	}

	result, err := p.client.SendRawEmail(ctx, &ses.SendRawEmailInput{
		RawMessage:   &types.RawMessage{Data: raw},
		Source:       aws.String(email.From),
		Destinations: email.To,
	})
	if err != nil {
		return "", classifySESError(err)
	}

	return aws.ToString(result.MessageId), nil
}

// buildRawMessage assembles a multipart/mixed MIME envelope with the HTML
// body and one base64 attachment part.
func buildRawMessage(email *Email) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", email.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(email.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", email.Subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	htmlHeader := textproto.MIMEHeader{}
	htmlHeader.Set("Content-Type", "text/html; charset=UTF-8")
	htmlPart, err := writer.CreatePart(htmlHeader)
	if err != nil {
		return nil, err
	}
	if _, err := htmlPart.Write([]byte(email.HTML)); err != nil {
		return nil, err
	}

	attHeader := textproto.MIMEHeader{}
	attHeader.Set("Content-Type", "application/octet-stream")
	attHeader.Set("Content-Transfer-Encoding", "base64")
	attHeader.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", email.Attachment.Filename))
	attPart, err := writer.CreatePart(attHeader)
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(email.Attachment.Content)
	if _, err := attPart.Write([]byte(encoded)); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// classifySESError maps SES rejections into the shared ProviderError shape.
// MessageRejected and bad-domain errors are caller mistakes and will not
// heal on retry; everything else (throttling, 5xx) is transient.
func classifySESError(err error) error {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return &ProviderError{StatusCode: 400, Message: rejected.ErrorMessage(), Permanent: true}
	}

	var badDomain *types.MailFromDomainNotVerifiedException
	if errors.As(err, &badDomain) {
		return &ProviderError{StatusCode: 400, Message: badDomain.ErrorMessage(), Permanent: true}
	}

	return fmt.Errorf("ses send failed: %w", err)
}
