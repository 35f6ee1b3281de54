package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/storyline/internal/session"
	"github.com/roach88/storyline/internal/store"
	"github.com/roach88/storyline/internal/story"
)

// Load replaces the in-memory session with the persisted one.
//
// A dangling image reference or an out-of-range pointer is repaired and
// reported as a Notice. Undecodable records, a gap in the step sequence, or
// steps without a pointer move the ledger to StateCorrupted and return a
// *CorruptedError; Clear is then the only way forward. Backend failures
// return the error and leave the ledger untouched.
func (l *Ledger) Load(ctx context.Context) ([]Notice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		sess       story.Session
		hasPointer bool
		steps      []story.Step
		notices    []Notice
	)

	err := l.backend.View(ctx, func(tx store.Tx) error {
		hasPointer, steps, notices = false, nil, nil

		s, err := session.Load(tx)
		switch {
		case err == nil:
			sess, hasPointer = s, true
		case store.IsNotFound(err):
			sess = story.NewSession()
		case errors.Is(err, session.ErrMalformed):
			return &CorruptedError{Key: store.CollectionSession + "/" + session.Key, Err: err}
		default:
			return err
		}

		keys, err := tx.Keys(store.CollectionSteps)
		if err != nil {
			return err
		}
		for i, k := range keys {
			if k != stepKey(i) {
				return &CorruptedError{
					Key: store.CollectionSteps + "/" + k,
					Err: fmt.Errorf("expected step %d", i),
				}
			}
			step, err := loadStep(tx, k)
			if err != nil {
				return err
			}
			if step.HasImage() {
				ok, err := l.blobs.Exists(tx, step.ImageID)
				if err != nil {
					return err
				}
				if !ok {
					notices = append(notices, Notice{
						Code:    NoticeMissingBlob,
						Message: fmt.Sprintf("image %s of step %d is missing", step.ImageID, i),
						Index:   i,
					})
					step.ImageID = ""
				}
			}
			steps = append(steps, step)
		}

		if len(steps) > 0 && !hasPointer {
			return &CorruptedError{Err: fmt.Errorf("%d steps without a session pointer", len(steps))}
		}
		return nil
	})

	var ce *CorruptedError
	if errors.As(err, &ce) {
		l.state = StateCorrupted
		l.sess = story.NewSession()
		l.steps = nil
		l.degraded = false
		l.pending = make(map[string]story.Blob)
		l.logger.Error("session is corrupted", "error", err)
		return []Notice{{Code: NoticeCorrupted, Message: ce.Error(), Index: -1}}, err
	}
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}

	if !story.ValidIndex(sess.CurrentIndex, len(steps)) {
		clamped := story.ClampIndex(sess.CurrentIndex, len(steps))
		notices = append(notices, Notice{
			Code:    NoticePointerClamped,
			Message: fmt.Sprintf("pointer %d moved to %d", sess.CurrentIndex, clamped),
			Index:   clamped,
		})
		sess.CurrentIndex = clamped
	}

	l.sess = sess
	l.steps = steps
	l.state = StateEmpty
	if len(steps) > 0 {
		l.state = StateActive
	}
	l.degraded = false
	l.pending = make(map[string]story.Blob)

	if len(notices) > 0 {
		l.repair(ctx, notices)
	}
	l.logger.Debug("session loaded",
		"state", l.state.String(),
		"steps", len(steps),
		"index", sess.CurrentIndex,
		"notices", len(notices),
	)
	return notices, nil
}

// repair writes back the corrections behind notices. Failure is logged and
// leaves the repair to the next write.
func (l *Ledger) repair(ctx context.Context, notices []Notice) {
	err := l.backend.Update(ctx, func(tx store.Tx) error {
		for _, n := range notices {
			if n.Code == NoticeMissingBlob {
				if err := putStep(tx, n.Index, l.steps[n.Index]); err != nil {
					return err
				}
			}
		}
		if len(l.steps) == 0 {
			return nil
		}
		return session.Save(tx, l.sess)
	})
	if err != nil {
		l.logger.Warn("could not persist load repairs", "error", err)
	}
}

func loadStep(tx store.Tx, key string) (story.Step, error) {
	raw, err := tx.Get(store.CollectionSteps, key)
	if err != nil {
		return story.Step{}, err
	}
	var s story.Step
	if err := json.Unmarshal(raw, &s); err != nil {
		return story.Step{}, &CorruptedError{Key: store.CollectionSteps + "/" + key, Err: err}
	}
	if err := story.ValidateStep(s); err != nil {
		return story.Step{}, &CorruptedError{Key: store.CollectionSteps + "/" + key, Err: err}
	}
	if s.Vocabulary == nil {
		s.Vocabulary = []story.VocabEntry{}
	}
	return s, nil
}
