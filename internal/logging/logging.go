// Package logging builds the process-wide zap logger. The teacher's own
// services log through the standard library's log package; the control
// plane instead follows the structured-logging convention several other
// repos in the retrieval pack establish for zap, since every log line here
// carries a username/service/reason worth querying rather than a free-form
// sentence.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger, switching to a console-friendly
// development encoder when debug is set.
func New(debug bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
