package runner

import "postpilot/internal/job"

// History returns the most recent results, newest first. An optional set
// of statuses filters the view. limit <= 0 means "everything retained"
// (the buffer is bounded at 100 entries).
func (r *Runner) History(limit int, statuses ...job.Status) []job.Result {
	r.hmu.Lock()
	defer r.hmu.Unlock()

	out := make([]job.Result, 0, min(len(r.history), capOrAll(limit, len(r.history))))
	for i := len(r.history) - 1; i >= 0; i-- {
		res := r.history[i]
		if len(statuses) > 0 && !statusIn(res.Status, statuses) {
			continue
		}
		out = append(out, res)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// FailedJobs returns recent runs that ended in an error status
// (failed or timeout), newest first.
func (r *Runner) FailedJobs(limit int) []job.Result {
	return r.History(limit, job.StatusFailed, job.StatusTimeout)
}

// Lookup finds a result by job id in the retained history.
func (r *Runner) Lookup(jobID string) (job.Result, bool) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].JobID == jobID {
			return r.history[i], true
		}
	}
	return job.Result{}, false
}

func statusIn(s job.Status, set []job.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func capOrAll(limit, have int) int {
	if limit <= 0 || limit > have {
		return have
	}
	return limit
}
