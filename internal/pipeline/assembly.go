package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
	"github.com/openjobspec/ojs-imagepipe/internal/metrics"
	"github.com/openjobspec/ojs-imagepipe/internal/workarea"
)

// joinSize is the number of artifacts a job needs before it can be sealed.
const joinSize = 2

// Assembler joins the render and animation branches of a job into one
// archive. Arrival order does not matter: whichever delivery lands the
// second artifact competes for the job's seal claim, and only the holder
// writes the archive and the FILE statuses.
type Assembler struct {
	base
	area *workarea.Area
}

// NewAssembler creates the assembly worker.
func NewAssembler(store core.StatusStore, channel core.Channel, area *workarea.Area, opts Options) *Assembler {
	return &Assembler{base: newBase(AssemblyStage, store, channel, opts), area: area}
}

// Handle processes and settles one delivery.
func (a *Assembler) Handle(ctx context.Context, d core.Delivery) {
	start := time.Now()
	r := a.process(ctx, d)
	a.finish(ctx, d, r, start)
}

func (a *Assembler) process(ctx context.Context, d core.Delivery) result {
	art, stop := a.admit(ctx, d)
	if stop != nil {
		return *stop
	}
	r := a.join(ctx, d.Envelope(), art)
	r.jobID = art.ID
	return r
}

func (a *Assembler) join(ctx context.Context, env core.Envelope, art *core.Artifact) result {
	if want := expectedExtension(env.Sender); art.Extension != want {
		return reject("unexpected artifact", fmt.Errorf("sender %s sent %q, want %q", env.Sender, art.Extension, want))
	}
	if len(art.Files) != 1 {
		return reject("unexpected artifact", fmt.Errorf("got %d files, want 1", len(art.Files)))
	}

	if _, err := a.area.Persist(art.ID, art.Extension, art.Files[0]); err != nil {
		return failure("persist artifact", err)
	}
	count, err := a.area.ArtifactCount(art.ID)
	if err != nil {
		return retry("count artifacts", err)
	}
	a.logger.Info("persisted artifact", "job_id", art.ID, "extension", art.Extension, "artifacts", count)

	sealer := false
	if count == joinSize {
		granted, r := a.claim(ctx, art.ID, env.MessageID)
		if r != nil {
			return *r
		}
		if granted {
			prior, stop := a.mark(ctx, art.ID, core.StatusFileStart)
			if stop != nil {
				return *stop
			}
			if prior == core.StatusFileDone {
				// A previous attempt of this delivery finished sealing but
				// died before recording it.
				return a.markSealed(ctx, art.ID)
			}
			path, err := a.area.Seal(art.ID)
			if err != nil {
				return failure("seal archive", err)
			}
			a.logger.Info("sealed archive", "job_id", art.ID, "path", path)
			sealer = true
		}
	} else if count > joinSize {
		a.logger.Warn("unexpected artifact count", "job_id", art.ID, "artifacts", count)
	}

	if stop := a.checkpoint(ctx, art.ID); stop != nil {
		return *stop
	}
	if err := a.sleep(ctx, a.settleDelay); err != nil {
		return retry("interrupted before done", err)
	}
	if !sealer {
		return ack("artifact stored")
	}

	names, err := a.area.Entries(art.ID)
	if err != nil {
		return retry("count entries", err)
	}
	if len(names) != joinSize+1 {
		return retry("archive missing", fmt.Errorf("job %s has entries %v", art.ID, names))
	}
	if _, stop := a.mark(ctx, art.ID, core.StatusFileDone); stop != nil {
		return *stop
	}
	return a.markSealed(ctx, art.ID)
}

// claim takes the job's seal claim for the delivery identified by owner.
func (a *Assembler) claim(ctx context.Context, jobID, owner string) (bool, *result) {
	granted, err := a.store.ClaimSeal(ctx, jobID, owner)
	if err != nil {
		metrics.SealsTotal.WithLabelValues("error").Inc()
		r := retry("seal claim failed", err)
		return false, &r
	}
	if !granted {
		metrics.SealsTotal.WithLabelValues("refused").Inc()
		a.logger.Info("seal claim held elsewhere", "job_id", jobID, "message_id", owner)
		return false, nil
	}
	metrics.SealsTotal.WithLabelValues("granted").Inc()
	return true, nil
}

func (a *Assembler) markSealed(ctx context.Context, jobID string) result {
	if err := a.store.MarkSealed(ctx, jobID); err != nil {
		return retry("mark sealed", err)
	}
	a.logger.Info("job complete", "job_id", jobID)
	return ack("sealed")
}
