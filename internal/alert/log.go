package alert

import (
	"context"

	logx "contractwatch/pkg/logx"
)

// LogSender only logs what would have been sent. Used for dry runs.
type LogSender struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *LogSender { return &LogSender{log: log} }

func (s *LogSender) Send(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("alert (dry run)",
		logx.String("event_type", p.EventType),
		logx.String("severity", p.Severity),
		logx.String("recipient", p.Recipient()),
		logx.String("contract_id", p.Tags[TagContractID]),
		logx.String("subject", p.Subject),
	)
	return nil
}
