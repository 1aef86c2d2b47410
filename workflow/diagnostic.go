package workflow

// Diagnostic is one validation finding.
type Diagnostic struct {
	Code     string `json:"code"`     // e.g. "RB-004", "GB-005"
	Severity string `json:"severity"` // "error" or "warning"
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"` // field path, e.g. tasks[2].agent
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Messages flattens diagnostics to their messages.
func Messages(diags []Diagnostic) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.Message)
	}
	return out
}

func errDiag(code, message, path string) Diagnostic {
	return Diagnostic{Code: code, Severity: SeverityError, Message: message, Path: path}
}

func warnDiag(code, message, path string) Diagnostic {
	return Diagnostic{Code: code, Severity: SeverityWarning, Message: message, Path: path}
}
