package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names so log lines can be joined across api and worker.
const (
	FieldJobID       = "job_id"
	FieldCustomerID  = "customer_id"
	FieldProviderID  = "provider_id"
	FieldRequestID   = "recurrence_request_id"
	FieldStatus      = "status"
	FieldFrom        = "from"
	FieldTo          = "to"
	FieldEvent       = "event"
	FieldChannel     = "channel"
	FieldMessageID   = "message_id"
	FieldRecipientID = "recipient_id"
	FieldAttempts    = "attempts"
	FieldCount       = "count"
	FieldSweep       = "sweep"
	FieldError       = "error"
	FieldComponent   = "component"
)

// New builds the process logger. APP_ENV=prod gets JSON at info level,
// everything else a console encoder at debug level.
func New(env string) (*zap.SugaredLogger, error) {
	var (
		base *zap.Logger
		err  error
	)
	switch strings.ToLower(env) {
	case "prod", "production":
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		base, err = cfg.Build()
	default:
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		base, err = cfg.Build()
	}
	if err != nil {
		return nil, err
	}
	return base.Sugar(), nil
}

// Component returns a child logger tagged with the component name.
func Component(log *zap.SugaredLogger, name string) *zap.SugaredLogger {
	return log.With(FieldComponent, name)
}
