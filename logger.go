package querycache

// Fields carries structured context for a log line, e.g. the query hash.
type Fields map[string]any

// Logger receives the client's diagnostics: query lifecycle at Debug,
// retries at Info, terminal fetch failures at Warn. Adapters for common
// stacks live under log/.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

// NopLogger discards everything; it is the default.
type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}
