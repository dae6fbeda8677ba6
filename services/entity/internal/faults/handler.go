package faults

import (
	"github.com/redbco/redb-entities/pkg/logger"
)

// Handler normalizes, logs and attempts recovery in one step
type Handler struct {
	logger *logger.Logger
}

func NewHandler(log *logger.Logger) *Handler {
	return &Handler{logger: log}
}

// Handle normalizes err with scope, attempts recovery and logs by severity.
// The returned Recovery tells the caller how to proceed.
func (h *Handler) Handle(err error, scope Scope, field *FieldInfo) (*Error, Recovery) {
	fe := Normalize(err, scope)
	if fe == nil {
		return nil, Recovery{Recovered: true, Action: ActionNone}
	}

	rec := Recovery{Action: ActionNone}
	if fe.Recoverable || fe.Kind == KindFieldDefinition {
		rec = AttemptRecovery(fe, field)
	}

	fields := map[string]string{
		"kind":     string(fe.Kind),
		"severity": string(fe.Severity),
	}
	if fe.TenantID != "" {
		fields["tenant"] = fe.TenantID
	}
	if fe.EntityTable != "" {
		fields["entity"] = fe.EntityTable
	}
	if fe.Field != "" {
		fields["field"] = fe.Field
	}
	lc := h.logger.WithFields(fields)

	switch {
	case rec.Recovered:
		lc.Debug("Recovered from %s: %s", fe.Code, rec.Message)
	case fe.Severity == SeverityCritical || fe.Severity == SeverityHigh:
		lc.Error("%s", fe.Error())
	default:
		lc.Warn("%s", fe.Error())
	}
	return fe, rec
}
