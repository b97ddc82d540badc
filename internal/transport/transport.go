package transport

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/mailloop/outreach-backend/internal/errors"
	"github.com/mailloop/outreach-backend/internal/model"
)

type SendRequest struct {
	To               string
	Subject          string
	HTML             string
	Text             string
	Attachments      model.Attachments
	ThreadingHeaders map[string]string
}

type SendResult struct {
	ProviderMessageID string
	ThreadID          string
}

type ThreadInfo struct {
	ProviderMessageID string
	ThreadID          string
}

// Transport is the outbound delivery provider. Send errors are
// retryable; LookupThread errors degrade to a non-threaded send.
type Transport interface {
	Send(req SendRequest) (SendResult, error)
	LookupThread(providerMessageID string) (ThreadInfo, error)
}

// Console is the development transport: it logs the message and
// fabricates provider identifiers.
type Console struct {
	Logger *zap.Logger
}

func (c *Console) Send(req SendRequest) (SendResult, error) {
	if req.To == "" {
		return SendResult{}, appErrors.NewTransport("send", fmt.Errorf("empty recipient address"))
	}
	res := SendResult{
		ProviderMessageID: uuid.NewString(),
		ThreadID:          uuid.NewString(),
	}
	c.Logger.Info("console transport send",
		zap.String("to", req.To),
		zap.String("subject", req.Subject),
		zap.Int("html_bytes", len(req.HTML)),
		zap.Int("attachments", len(req.Attachments)),
		zap.Bool("threaded", len(req.ThreadingHeaders) > 0),
		zap.String("provider_message_id", res.ProviderMessageID),
	)
	return res, nil
}

func (c *Console) LookupThread(providerMessageID string) (ThreadInfo, error) {
	if providerMessageID == "" {
		return ThreadInfo{}, appErrors.NewThreadingLookup("no provider message id")
	}
	return ThreadInfo{ProviderMessageID: providerMessageID, ThreadID: providerMessageID}, nil
}
