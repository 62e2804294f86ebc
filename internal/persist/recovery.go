package persist

// RecoveredFailure describes one task force-failed by Recover, for the
// caller to feed through the Agent's notify callback.
type RecoveredFailure struct {
	TaskID string
	Error  string
}

// crashRecoveryError is the exact error string the external interface
// mandates for a survivor of an unclean shutdown.
const crashRecoveryError = "process restarted, task cancelled"

// Recover implements crash recovery on startup: every task still listed in
// pending.json did not reach a terminal state before the process died, so
// each gets a TASK_FAILED record appended to its own log, pending.json is
// cleared, and the caller is handed back the list to notify.
func (p *Persister) Recover() ([]RecoveredFailure, error) {
	p.pendingMu.Lock()
	entries, err := p.loadPending()
	if err != nil {
		p.pendingMu.Unlock()
		return nil, err
	}
	p.pendingMu.Unlock()

	var failures []RecoveredFailure
	for _, e := range entries {
		// Seed the task's date from the index so the record lands in its
		// existing log even when the date has changed since it was created.
		_, _ = p.ResolvePath(e.TaskID)
		if err := p.RecordTaskFailed(e.TaskID, crashRecoveryError); err != nil {
			continue
		}
		failures = append(failures, RecoveredFailure{TaskID: e.TaskID, Error: crashRecoveryError})
	}

	// RecordTaskFailed already removes each entry from pending.json as it
	// goes, but clear it explicitly in case any append above failed
	// partway and left a stale entry behind.
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if err := p.writePending(nil); err != nil {
		return failures, err
	}
	return failures, nil
}
