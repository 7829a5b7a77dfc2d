package ldap

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Logging subsystems. Each level can be tuned with LDAPSYNC_LOG_<SUBSYSTEM>.
const (
	SubsystemLDAP      = "ldap"
	SubsystemPool      = "pool"
	SubsystemKerberos  = "kerberos"
	SubsystemSync      = "sync"
	SubsystemScheduler = "scheduler"
)

// InitializeLogging registers every subsystem on ctx. Subsystem calls made
// with a context that skipped this step are dropped with a warning by tflog.
func InitializeLogging(ctx context.Context) context.Context {
	for _, subsystem := range []string{SubsystemLDAP, SubsystemPool, SubsystemKerberos, SubsystemSync, SubsystemScheduler} {
		ctx = tflog.NewSubsystem(ctx, subsystem,
			tflog.WithLevelFromEnv("LDAPSYNC_LOG_"+strings.ToUpper(subsystem)))
	}
	return ctx
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	logFields := make(map[string]any, len(fields)+3)
	maps.Copy(logFields, fields)
	logFields["operation"] = operation

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", logFields)

	err := fn()

	logFields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		logFields["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", logFields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed", logFields)
	}

	return err
}

// LogLDAPError logs LDAP-specific error information. Limit errors are
// expected during enumeration and are logged at warn level.
func LogLDAPError(ctx context.Context, subsystem, operation string, err error, fields map[string]any) {
	logFields := make(map[string]any, len(fields)+4)
	maps.Copy(logFields, fields)
	logFields["operation"] = operation
	logFields["error"] = err.Error()

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		logFields["ldap_result_code"] = resultErr.ResultCode
		if resultErr.MatchedDN != "" {
			logFields["ldap_matched_dn"] = resultErr.MatchedDN
		}
	}

	if IsLimitExceededError(err) {
		tflog.SubsystemWarn(ctx, subsystem, "LDAP operation stopped at a server limit", logFields)
		return
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", logFields)
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	logFields := make(map[string]any, len(fields)+1)
	maps.Copy(logFields, fields)
	logFields["event"] = event

	switch event {
	case "connection_established", "authentication_success":
		tflog.SubsystemInfo(ctx, SubsystemLDAP, "Connection event", logFields)
	case "connection_failed", "authentication_failed", "connection_lost":
		tflog.SubsystemError(ctx, SubsystemLDAP, "Connection event", logFields)
	default:
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Connection event", logFields)
	}
}

// LogPoolEvent logs connection pool events.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	logFields := make(map[string]any, len(fields)+1)
	maps.Copy(logFields, fields)
	logFields["event"] = event

	switch event {
	case "connection_failed", "health_check_failed":
		tflog.SubsystemWarn(ctx, SubsystemPool, "Pool event", logFields)
	case "all_servers_failed":
		tflog.SubsystemError(ctx, SubsystemPool, "Pool event", logFields)
	default:
		tflog.SubsystemTrace(ctx, SubsystemPool, "Pool event", logFields)
	}
}

// LogTaskOperation provides entry/exit logging for a scheduled task. The
// returned function must be called with the task's final error.
func LogTaskOperation(ctx context.Context, task, operation string, fields map[string]any) func(error) {
	start := time.Now()

	entryFields := make(map[string]any, len(fields)+2)
	maps.Copy(entryFields, fields)
	entryFields["task"] = task
	entryFields["operation"] = operation

	tflog.SubsystemDebug(ctx, SubsystemScheduler, "Starting task", entryFields)

	return func(err error) {
		exitFields := make(map[string]any, len(entryFields)+3)
		maps.Copy(exitFields, entryFields)
		exitFields["duration_ms"] = time.Since(start).Milliseconds()
		exitFields["has_error"] = err != nil

		if err != nil {
			exitFields["error"] = err.Error()
			tflog.SubsystemError(ctx, SubsystemScheduler, "Task failed", exitFields)
		} else {
			tflog.SubsystemDebug(ctx, SubsystemScheduler, "Task completed", exitFields)
		}
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	sensitiveKeys := map[string]bool{
		"password":    true,
		"passwd":      true,
		"secret":      true,
		"token":       true,
		"credential":  true,
		"credentials": true,
	}

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

func containsSensitivePattern(s string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range []string{"password=", "passwd=", "secret=", "token="} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
