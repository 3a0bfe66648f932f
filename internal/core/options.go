package core

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuditRecorder sets the audit sink for mutating operations.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer sets the span tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock overrides the wall clock used for audit timestamps and durations.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithHeightSource sets the source of record timestamps. Without it the
// service counts up from the highest persisted timestamp.
func WithHeightSource(h HeightSource) ServiceOption {
	return func(s *Service) {
		if h != nil {
			s.height = h
		}
	}
}

// WithUninitializedPolicy selects how events against uninitialized units are treated.
func WithUninitializedPolicy(p UninitializedPolicy) ServiceOption {
	return func(s *Service) {
		if p != "" {
			s.policy = p
		}
	}
}
