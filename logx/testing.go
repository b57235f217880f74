package logx

import "go.uber.org/zap/zaptest"

// NewTest returns a logger that writes through t.Log, so output is shown only
// for failing tests.
func NewTest(t zaptest.TestingT) Logger {
	return FromZap(zaptest.NewLogger(t))
}
