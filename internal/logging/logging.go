// Package logging builds the zap logger shared across the voice plane,
// replacing the teacher's bare log.Printf calls per spec.md §9's ambient
// stack (no component keeps a package-level logger; it is always passed in
// via CoreContext).
package logging

import "go.uber.org/zap"

// New builds a production (JSON) logger, or a development (console)
// logger when dev is true.
func New(dev bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Noop returns a logger that discards everything, for tests that don't
// care about log output.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
