// Package sms delivers OTP codes. Business logic only sees the Sender
// interface; which implementation runs is decided at wiring time.
package sms

import (
	"context"

	"github.com/sirupsen/logrus"
)

type Sender interface {
	Send(ctx context.Context, phone, code string) error
}

// LogSender logs the code instead of delivering it. Used in dev and
// test environments where no gateway is configured.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, phone, code string) error {
	s.logger.WithFields(logrus.Fields{
		"phone": phone,
		"otp":   code,
	}).Info("OTP delivery skipped, code logged")
	return nil
}
