package daemon

import "github.com/google/uuid"

// admitPreprocessBuffer implements spec.md §4.7's admission gate: a Local job may start
// preprocessing only if fewer than max_preprocess_pending Local jobs currently hold a
// preprocessed buffer (i.e. sit in Preprocessed ∪ RemotePending).
func (d *Daemon) admitPreprocessBuffer() bool {
	if d.preprocessPendingCount < d.cfg.MaxPreprocessPending {
		d.preprocessPendingCount++
		return true
	}
	return false
}

// releasePreprocessBuffer is called exactly once per Local job that previously passed
// admitPreprocessBuffer, on any of the three release triggers from §4.7: first response
// byte, pulled back to run locally, or rescheduled. It also re-admits the oldest held job,
// if any, keeping the buffer count steady.
func (d *Daemon) releasePreprocessBuffer() {
	if d.preprocessPendingCount > 0 {
		d.preprocessPendingCount--
	}
	if id, ok := d.preprocessHold.popFront(); ok {
		if job, ok := d.store.get(id); ok && job.Status == StatusPendingPreprocessing {
			d.preprocessPendingCount++
			d.startPreprocess(job)
			return
		}
	}
}

// releaseJobPreprocessBuffer releases job's held buffer slot at most once, regardless of
// which of the three §4.7 triggers fires first.
func (d *Daemon) releaseJobPreprocessBuffer(job *Job) {
	if job.Origin != OriginLocal || job.preprocessBufferReleased {
		return
	}
	job.preprocessBufferReleased = true
	d.releasePreprocessBuffer()
}

// newRequestID mints a correlation id distinct from any Job ID, per spec.md §9's open
// question on RequestJobs identity (SPEC_FULL.md decides: a random id rather than one
// derived from connID/sequence, so it stays unique across reconnects).
func newRequestID() string {
	return uuid.NewString()
}
