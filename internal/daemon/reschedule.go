package daemon

// sweepReschedule is the periodic timer from spec.md §4.8: walk building_by_time
// oldest-first, and for any entry still RemotePending past its deadline, bump serial and
// re-enter it at Idle→PendingCompiling. Jobs in RemoteReceiving are skipped (the job is
// committed to its current peer once the first response byte has arrived).
func (d *Daemon) sweepReschedule() {
	now := nowMs()
	var toReschedule []*Building
	d.building.sweepOldestFirst(func(b *Building) {
		job, ok := d.store.get(b.JobID)
		if !ok || job.Status != StatusRemotePending {
			return
		}
		deadline := d.cfg.RescheduleTimeoutMs * int64(max1(int(job.Serial)))
		if now-b.StartedMonotonicMs >= deadline {
			toReschedule = append(toReschedule, b)
		}
	})
	for _, b := range toReschedule {
		d.rescheduleJob(b)
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (d *Daemon) rescheduleJob(b *Building) {
	job, ok := d.store.get(b.JobID)
	if !ok {
		return
	}
	d.building.remove(job.ID)
	job.Serial++
	job.Status = StatusIdle
	// Released permanently, not re-armed: the job already holds its preprocessed bytes in
	// memory and re-dispatch below never re-preprocesses it, so it never competes for a
	// fresh slot again (spec.md §4.7 trigger (c)).
	d.releaseJobPreprocessBuffer(job)
	d.reenterPendingCompile(job)
}

// handlePeerClosed hard-reschedules every Building entry tied to the dropped connection
// (spec.md §4.8 "Peer socket close → hard-reschedule all its outstanding jobs") and expires
// any outstanding RequestJobs sent to it.
func (d *Daemon) handlePeerClosed(connID uint64) {
	d.peers.dropConn(connID)

	var toReschedule []*Building
	for _, b := range d.building.byID {
		if b.PeerConnID == connID {
			toReschedule = append(toReschedule, b)
		}
	}
	for _, b := range toReschedule {
		d.rescheduleJob(b)
	}

	for reqID, r := range d.outstandingRequest {
		if r.PeerConnID == connID {
			delete(d.outstandingRequest, reqID)
		}
	}
}

// sweepExpiredRequests drops RequestJobs this daemon sent that have gone unanswered past
// the 10s timeout from spec.md §5, freeing the implicit slot reservation.
func (d *Daemon) sweepExpiredRequests() {
	now := nowMs()
	for reqID, r := range d.outstandingRequest {
		if now-r.SentMonotonicMs >= outstandingJobRequestTimeoutMs {
			delete(d.outstandingRequest, reqID)
		}
	}
}

// reenterPendingCompile moves a freshly-Idle job back into dispatch: a Local job that was
// previously remote-pending is retried exactly like a brand new job — it goes back through
// preprocessing since its old buffer was released, unless it's still held in memory, in
// which case it can be requeued straight to pending_compile. Remote-origin jobs being
// rescheduled inside this daemon never happens (Remote jobs are only ever compiled here,
// never sent onward), so this only applies to Local jobs.
func (d *Daemon) reenterPendingCompile(job *Job) {
	if len(job.Preprocessed) > 0 {
		d.enterPendingCompile(job)
		return
	}
	job.Status = StatusPendingPreprocessing
	d.pendingPreprocess.pushBack(job.ID)
}
