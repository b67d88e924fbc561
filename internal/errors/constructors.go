package errors

// Convenience constructors for common failure patterns.

// Store errors

func ProjectNotFound(project string) *CoordError {
	return New(CodeNotFound, SeverityFatal, "project not found").
		WithContext("project", project)
}

func SectionNotFound(project, section string) *CoordError {
	return New(CodeNotFound, SeverityFatal, "section not found").
		WithContext("project", project).
		WithContext("section", section)
}

func ProjectAlreadyExists(project string) *CoordError {
	return New(CodeAlreadyExists, SeverityFatal, "project already exists").
		WithContext("project", project)
}

func CorruptRecord(path string, cause error) *CoordError {
	return Wrap(cause, CodeCorruptRecord, SeverityFatal, "state record is corrupt").
		WithContext("path", path)
}

func HistoryFailed(project, section string, cause error) *CoordError {
	return Wrap(cause, CodeHistoryError, SeverityFatal, "history operation failed").
		WithContext("project", project).
		WithContext("section", section)
}

func IOContention(path string, cause error) *CoordError {
	return Wrap(cause, CodeIOContention, SeverityWarning, "filesystem contention").
		WithContext("path", path)
}

func ValidationFailed(field, reason string) *CoordError {
	return New(CodeValidationFailed, SeverityFatal, "validation failed").
		WithContext("field", field).
		WithContext("reason", reason)
}

// Lock errors

func LockAcquisitionFailed(resource, holder string, cause error) *CoordError {
	return Wrap(cause, CodeLockAcquisitionFailed, SeverityWarning, "lock acquisition timed out").
		WithContext("resource", resource).
		WithContext("holder_id", holder)
}

func LockNotHolder(resource, holder, actual string) *CoordError {
	return New(CodeLockNotHolder, SeverityError, "lock held by another holder").
		WithContext("resource", resource).
		WithContext("holder_id", holder).
		WithContext("current_holder", actual)
}

func LockLost(resource, holder string, cause error) *CoordError {
	return Wrap(cause, CodeLockLost, SeverityError, "lock lost while held").
		WithContext("resource", resource).
		WithContext("holder_id", holder)
}

// State machine errors

func InvalidTransition(project, from, to string) *CoordError {
	return New(CodeInvalidTransition, SeverityFatal, "transition not permitted by graph").
		WithContext("project", project).
		WithContext("from", from).
		WithContext("to", to)
}

// Notifier errors

func WatchFailed(project string, cause error) *CoordError {
	return Wrap(cause, CodeWatchError, SeverityError, "watch subscription failed").
		WithContext("project", project)
}

// WaitTimeout reports that a version poll gave up before the target version
// became visible. Timeouts are explicit and transient, never silent success.
func WaitTimeout(project, section string, target int64) *CoordError {
	return New(CodeWaitTimeout, SeverityWarning, "timed out waiting for section version").
		WithContext("project", project).
		WithContext("section", section).
		WithContext("target_version", target)
}

// Remediation

func RemediationRequired(condition string, cause error) *CoordError {
	return Wrap(cause, CodeRemediationRequired, SeverityWarning, "dependent process reported a fixable condition").
		WithContext("condition", condition)
}

func Internal(message string, cause error) *CoordError {
	return Wrap(cause, CodeInternal, SeverityFatal, message)
}
