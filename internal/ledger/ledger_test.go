package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/storyline/internal/quota"
	"github.com/roach88/storyline/internal/session"
	"github.com/roach88/storyline/internal/store"
	"github.com/roach88/storyline/internal/story"
	"github.com/roach88/storyline/internal/testutil"
)

func newStep(primary string) NewStep {
	s := testutil.Step(primary)
	return NewStep{Text: s.Text, Choices: s.Choices, Vocabulary: s.Vocabulary}
}

func withImage(ns NewStep, n int) NewStep {
	ns.Image = &ImagePayload{Data: testutil.PNG(n), MIME: "image/png"}
	return ns
}

func newTestLedger(t *testing.T, b store.Backend, opts ...Option) *Ledger {
	t.Helper()
	opts = append([]Option{WithIDGenerator(testutil.NewSequentialIDs("img"))}, opts...)
	l := New(b, opts...)
	notices, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, notices)
	return l
}

func storedBlobIDs(t *testing.T, b store.Backend) []string {
	t.Helper()
	var ids []string
	require.NoError(t, b.View(context.Background(), func(tx store.Tx) error {
		var err error
		ids, err = tx.Keys(store.CollectionBlobs)
		return err
	}))
	return ids
}

func referencedIDs(steps []story.Step) []string {
	ids := []string{}
	for _, s := range steps {
		if s.HasImage() {
			ids = append(ids, s.ImageID)
		}
	}
	sort.Strings(ids)
	return ids
}

func primaries(steps []story.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Text.Primary
	}
	return out
}

func TestAppend(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()

	assert.Equal(t, StateEmpty, l.State())
	assert.Equal(t, -1, l.Session().CurrentIndex)
	_, ok := l.Current()
	assert.False(t, ok)

	require.NoError(t, l.Append(ctx, withImage(newStep("A"), 1)))
	require.NoError(t, l.Append(ctx, newStep("B")))

	assert.Equal(t, StateActive, l.State())
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 1, l.Session().CurrentIndex)
	assert.Equal(t, 2, l.Session().Stats.StepsGenerated)

	cur, ok := l.Current()
	require.True(t, ok)
	assert.Equal(t, "B", cur.Text.Primary)

	first, err := l.Step(0)
	require.NoError(t, err)
	assert.Equal(t, "img-1", first.ImageID)

	img, err := l.Blob(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, testutil.PNG(1), img.Data)
	assert.Equal(t, "image/png", img.MIME)

	// Reopening sees the same session.
	reloaded := newTestLedger(t, b)
	assert.Equal(t, l.Steps(), reloaded.Steps())
	assert.Equal(t, l.Session(), reloaded.Session())
}

func TestAppend_RejectsInvalidStep(t *testing.T) {
	l := newTestLedger(t, store.NewMemory())
	ns := newStep("A")
	ns.Choices = ns.Choices[:2]

	err := l.Append(context.Background(), ns)
	assert.ErrorIs(t, err, story.ErrInvalidStep)
	assert.Equal(t, 0, l.Len())

	ns = newStep("A")
	ns.Image = &ImagePayload{MIME: "image/png"}
	assert.ErrorIs(t, l.Append(context.Background(), ns), story.ErrInvalidStep)
}

func TestAppend_NotAtTail(t *testing.T) {
	l := newTestLedger(t, store.NewMemory())
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, newStep("A")))
	require.NoError(t, l.Append(ctx, newStep("B")))
	_, err := l.Navigate(ctx, -1)
	require.NoError(t, err)

	err = l.Append(ctx, newStep("C"))
	assert.ErrorIs(t, err, ErrNotAtTail)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 0, l.Session().CurrentIndex)
}

func TestAppend_DefaultMIME(t *testing.T) {
	l := newTestLedger(t, store.NewMemory())
	ctx := context.Background()
	ns := newStep("A")
	ns.Image = &ImagePayload{Data: []byte("x")}
	require.NoError(t, l.Append(ctx, ns))

	img, err := l.Blob(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", img.MIME)
}

// append A, append B, navigate to 0, branch from 0 with choice 2 to C:
// the ledger is [A(selected 2), C] at index 1 and B's image is gone.
func TestBranchAndAppend_Scenario(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, withImage(newStep("A"), 1)))
	require.NoError(t, l.Append(ctx, withImage(newStep("B"), 2)))
	assert.Equal(t, 1, l.Session().CurrentIndex)

	idx, err := l.Navigate(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	require.NoError(t, l.BranchAndAppend(ctx, 0, 2, withImage(newStep("C"), 3)))

	steps := l.Steps()
	assert.Equal(t, []string{"A", "C"}, primaries(steps))
	require.NotNil(t, steps[0].SelectedChoice)
	assert.Equal(t, 2, *steps[0].SelectedChoice)
	assert.Nil(t, steps[1].SelectedChoice)
	assert.Equal(t, 1, l.Session().CurrentIndex)
	assert.Equal(t, story.Stats{StepsGenerated: 3, Branches: 1}, l.Session().Stats)

	_, err = l.Blob(ctx, "img-2")
	assert.True(t, store.IsNotFound(err), "truncated step's image no longer resolves")
	assert.Equal(t, []string{"img-1", "img-3"}, storedBlobIDs(t, b))

	reloaded := newTestLedger(t, b)
	assert.Equal(t, steps, reloaded.Steps())
	assert.Equal(t, 1, reloaded.Session().CurrentIndex)
}

func TestBranchAndAppend_AtTail(t *testing.T) {
	l := newTestLedger(t, store.NewMemory())
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, newStep("A")))

	require.NoError(t, l.BranchAndAppend(ctx, 0, 1, newStep("B")))
	assert.Equal(t, []string{"A", "B"}, primaries(l.Steps()))
	assert.Equal(t, 0, l.Session().Stats.Branches, "nothing was discarded")
	assert.Equal(t, 2, l.Session().Stats.StepsGenerated)
}

func TestBranchAndAppend_Rejections(t *testing.T) {
	l := newTestLedger(t, store.NewMemory())
	ctx := context.Background()

	assert.ErrorIs(t, l.BranchAndAppend(ctx, 0, 0, newStep("X")), ErrIndexOutOfRange)

	require.NoError(t, l.Append(ctx, newStep("A")))
	assert.ErrorIs(t, l.BranchAndAppend(ctx, 1, 0, newStep("X")), ErrIndexOutOfRange)
	assert.ErrorIs(t, l.BranchAndAppend(ctx, -1, 0, newStep("X")), ErrIndexOutOfRange)
	assert.ErrorIs(t, l.BranchAndAppend(ctx, 0, 3, newStep("X")), ErrInvalidChoice)
	assert.ErrorIs(t, l.BranchAndAppend(ctx, 0, -1, newStep("X")), ErrInvalidChoice)

	assert.Equal(t, []string{"A"}, primaries(l.Steps()))
}

func TestNavigate(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()

	_, err := l.Navigate(ctx, 1)
	assert.ErrorIs(t, err, ErrEmpty)

	for _, p := range []string{"A", "B", "C"} {
		require.NoError(t, l.Append(ctx, newStep(p)))
	}

	tests := []struct {
		delta int
		want  int
	}{
		{-1, 1},
		{-5, 0},
		{+1, 1},
		{+10, 2},
		{0, 2},
	}
	for _, tt := range tests {
		idx, err := l.Navigate(ctx, tt.delta)
		require.NoError(t, err)
		assert.Equal(t, tt.want, idx, "navigate %+d", tt.delta)
	}

	require.NoError(t, l.Seek(ctx, 0))
	assert.ErrorIs(t, l.Seek(ctx, 3), ErrIndexOutOfRange)

	reloaded := newTestLedger(t, b)
	assert.Equal(t, 0, reloaded.Session().CurrentIndex)
	assert.Equal(t, l.Steps(), reloaded.Steps(), "navigation touches no step content")
}

// Random append/branch/navigate sequences keep the pointer valid and leave
// no orphaned or dangling images.
func TestLedger_InvariantsHoldUnderRandomOperations(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 300; i++ {
		ns := newStep(fmt.Sprintf("s%d", i))
		if rng.Intn(2) == 0 {
			ns = withImage(ns, i)
		}

		n := l.Len()
		switch op := rng.Intn(4); {
		case op == 0 || n == 0:
			if n > 0 && l.Session().CurrentIndex != n-1 {
				assert.ErrorIs(t, l.Append(ctx, ns), ErrNotAtTail)
			} else {
				require.NoError(t, l.Append(ctx, ns))
				assert.Equal(t, n+1, l.Len())
			}
		case op == 1:
			from := rng.Intn(n)
			require.NoError(t, l.BranchAndAppend(ctx, from, rng.Intn(story.ChoiceArity), ns))
			assert.Equal(t, from+2, l.Len())
		default:
			_, err := l.Navigate(ctx, rng.Intn(7)-3)
			require.NoError(t, err)
		}

		sess := l.Session()
		steps := l.Steps()
		require.True(t, story.ValidIndex(sess.CurrentIndex, len(steps)),
			"op %d: index %d for length %d", i, sess.CurrentIndex, len(steps))
		require.Equal(t, referencedIDs(steps), storedBlobIDs(t, b), "op %d: blob ownership", i)
	}

	reloaded := newTestLedger(t, b)
	assert.Equal(t, l.Steps(), reloaded.Steps())
	assert.Equal(t, l.Session(), reloaded.Session())
}

func TestCompact(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()

	for i := 0; i < 80; i++ {
		require.NoError(t, l.Append(ctx, withImage(newStep(fmt.Sprintf("s%d", i)), i)))
	}
	require.NoError(t, l.Seek(ctx, 60))

	plan, err := l.Compact(ctx, 50, 10)
	require.NoError(t, err)
	assert.Equal(t, 30, plan.Start)

	steps := l.Steps()
	require.Len(t, steps, 50)
	cur := l.Session().CurrentIndex
	assert.Equal(t, "s60", steps[cur].Text.Primary, "current step survives")

	withImages := 0
	for i, s := range steps {
		if s.HasImage() {
			withImages++
			assert.GreaterOrEqual(t, i, 40, "only the most recent positions keep images")
		}
	}
	assert.Equal(t, 10, withImages)
	assert.Equal(t, referencedIDs(steps), storedBlobIDs(t, b))

	reloaded := newTestLedger(t, b)
	assert.Equal(t, steps, reloaded.Steps())
	assert.Equal(t, cur, reloaded.Session().CurrentIndex)
}

func TestCompact_NoopWhenSmall(t *testing.T) {
	var events []Event
	l := newTestLedger(t, store.NewMemory(), WithCommitHook(func(e Event) { events = append(events, e) }))
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, newStep("A")))

	_, err := l.Compact(ctx, 50, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1, "no commit for a no-op compaction")
}

func TestMutateSession(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	mgr := session.NewManager(l)
	ctx := context.Background()

	genre := "mystery"
	require.NoError(t, mgr.UpdateSettings(ctx, session.SettingsPatch{Genre: &genre}))
	assert.Equal(t, "mystery", l.Session().Settings.Genre)

	_, err := store.Get(ctx, b, store.CollectionSession, session.Key)
	assert.True(t, store.IsNotFound(err), "pointer is created by the first append")

	require.NoError(t, l.Append(ctx, newStep("A")))
	require.NoError(t, mgr.UpdateCharacterProfiles(ctx, []story.CharacterProfile{{Name: "Ana"}}))
	require.NoError(t, mgr.UpdateRelationships(ctx, []story.RelationshipEdge{{From: "Ana", To: "Luis", Kind: "friend"}}))

	reloaded := newTestLedger(t, b)
	sess := reloaded.Session()
	assert.Equal(t, "mystery", sess.Settings.Genre)
	assert.Equal(t, []story.CharacterProfile{{Name: "Ana"}}, sess.CharacterProfiles)
	assert.Len(t, sess.Relationships, 1)
	assert.Equal(t, 0, sess.CurrentIndex)
}

func TestMutateSession_CannotMovePointer(t *testing.T) {
	l := newTestLedger(t, store.NewMemory())
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, newStep("A")))

	require.NoError(t, l.MutateSession(ctx, func(s *story.Session) error {
		s.CurrentIndex = 7
		return nil
	}))
	assert.Equal(t, 0, l.Session().CurrentIndex)

	boom := errors.New("boom")
	assert.ErrorIs(t, l.MutateSession(ctx, func(*story.Session) error { return boom }), boom)
}

func TestConflict_LeavesStateUnchanged(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, withImage(newStep("A"), 1)))
	require.NoError(t, l.Append(ctx, newStep("B")))

	before := l.Steps()
	b.InjectFailures(&store.Error{Code: store.CodeConflict, Op: "commit"})

	err := l.BranchAndAppend(ctx, 0, 1, withImage(newStep("C"), 2))
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))
	assert.Equal(t, before, l.Steps())
	assert.Equal(t, 1, l.Session().CurrentIndex)
	assert.False(t, l.Degraded())

	// The caller may retry the whole mutation.
	require.NoError(t, l.BranchAndAppend(ctx, 0, 1, withImage(newStep("C"), 2)))
	assert.Equal(t, []string{"A", "C"}, primaries(l.Steps()))
	assert.Equal(t, referencedIDs(l.Steps()), storedBlobIDs(t, b))
}

func TestQuotaWithoutGuard_LeavesStateUnchanged(t *testing.T) {
	b := store.NewMemory(store.WithCapacity(600))
	l := newTestLedger(t, b)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, newStep("A")))

	ns := newStep("B")
	ns.Image = &ImagePayload{Data: make([]byte, 1000), MIME: "image/png"}
	err := l.Append(ctx, ns)
	assert.True(t, store.IsQuotaError(err))
	assert.False(t, quota.IsDegraded(err))
	assert.Equal(t, 1, l.Len())
	assert.False(t, l.Degraded())
}

func TestDegradedMode(t *testing.T) {
	mem := store.NewMemory()
	g := quota.New(mem, quota.DefaultPolicy())
	var events []Event
	l := newTestLedger(t, g, WithCommitHook(func(e Event) { events = append(events, e) }))
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, withImage(newStep("A"), 1)))
	require.NoError(t, l.Append(ctx, withImage(newStep("B"), 2)))

	mem.InjectFailures(&store.Error{Code: store.CodeQuotaExceeded, Op: "commit"})
	err := l.Append(ctx, withImage(newStep("C"), 3))
	require.Error(t, err)
	assert.True(t, quota.IsDegraded(err))

	// In-memory state advanced; the image is served from memory.
	assert.True(t, l.Degraded())
	assert.Equal(t, []string{"A", "B", "C"}, primaries(l.Steps()))
	img, err := l.Blob(ctx, "img-3")
	require.NoError(t, err)
	assert.Equal(t, testutil.PNG(3), img.Data)
	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Blobs, 3)
	assert.Len(t, events, 2, "no hook for an undurable write")

	// Storage still holds the last durable state.
	assert.Equal(t, []string{"img-1", "img-2"}, storedBlobIDs(t, mem))

	// Branching while degraded discards the in-memory image of C too.
	require.NoError(t, l.BranchAndAppend(ctx, 0, 0, newStep("D")))
	assert.False(t, l.Degraded())
	assert.Equal(t, []string{"A", "D"}, primaries(l.Steps()))
	assert.Equal(t, []string{"img-1"}, storedBlobIDs(t, mem))
	_, err = l.Blob(ctx, "img-3")
	assert.True(t, store.IsNotFound(err))

	reloaded := newTestLedger(t, mem)
	assert.Equal(t, l.Steps(), reloaded.Steps())
	assert.Equal(t, l.Session(), reloaded.Session())
}

func TestFlush(t *testing.T) {
	mem := store.NewMemory()
	l := newTestLedger(t, quota.New(mem, quota.DefaultPolicy()))
	ctx := context.Background()

	require.NoError(t, l.Flush(ctx), "no-op when not degraded")

	mem.InjectFailures(&store.Error{Code: store.CodeQuotaExceeded, Op: "commit"})
	err := l.Append(ctx, withImage(newStep("A"), 1))
	require.True(t, quota.IsDegraded(err))
	assert.Equal(t, StateActive, l.State())

	require.NoError(t, l.Flush(ctx))
	assert.False(t, l.Degraded())

	reloaded := newTestLedger(t, mem)
	assert.Equal(t, []string{"A"}, primaries(reloaded.Steps()))
	assert.Equal(t, []string{"img-1"}, storedBlobIDs(t, mem))
}

func TestLoad_MissingBlobIsRepaired(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, withImage(newStep("A"), 1)))
	require.NoError(t, l.Append(ctx, withImage(newStep("B"), 2)))
	require.NoError(t, store.Remove(ctx, b, store.CollectionBlobs, "img-1"))

	reloaded := New(b)
	notices, err := reloaded.Load(ctx)
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeMissingBlob, notices[0].Code)
	assert.Equal(t, 0, notices[0].Index)
	assert.Equal(t, StateActive, reloaded.State())

	steps := reloaded.Steps()
	assert.False(t, steps[0].HasImage())
	assert.Equal(t, "img-2", steps[1].ImageID)

	// The repair was persisted.
	notices, err = New(b).Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, notices)
}

// twiceView runs every View twice, as a backend with optimistic reads may.
type twiceView struct {
	store.Backend
}

func (b twiceView) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := b.Backend.View(ctx, fn); err != nil {
		return err
	}
	return b.Backend.View(ctx, fn)
}

func TestLoad_RerunViewDoesNotDuplicate(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, withImage(newStep("A"), 1)))
	require.NoError(t, l.Append(ctx, withImage(newStep("B"), 2)))
	require.NoError(t, store.Remove(ctx, b, store.CollectionBlobs, "img-1"))

	reloaded := New(twiceView{b})
	notices, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, notices, 1)
	assert.Equal(t, []string{"A", "B"}, primaries(reloaded.Steps()))
}

func TestLoad_PointerClamped(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, newStep("A")))
	require.NoError(t, l.Append(ctx, newStep("B")))

	sess := l.Session()
	sess.CurrentIndex = 9
	require.NoError(t, b.Update(ctx, func(tx store.Tx) error { return session.Save(tx, sess) }))

	reloaded := New(b)
	notices, err := reloaded.Load(ctx)
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, NoticePointerClamped, notices[0].Code)
	assert.Equal(t, 1, reloaded.Session().CurrentIndex)
}

func TestLoad_Corrupted(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, b store.Backend)
	}{
		{
			name: "undecodable step",
			setup: func(t *testing.T, b store.Backend) {
				require.NoError(t, store.Set(context.Background(), b, store.CollectionSteps, "00000001", []byte("{")))
			},
		},
		{
			name: "structurally invalid step",
			setup: func(t *testing.T, b store.Backend) {
				require.NoError(t, store.Set(context.Background(), b, store.CollectionSteps, "00000001",
					[]byte(`{"text":{"primary":"x"},"choices":[]}`)))
			},
		},
		{
			name: "gap in steps",
			setup: func(t *testing.T, b store.Backend) {
				require.NoError(t, store.Remove(context.Background(), b, store.CollectionSteps, "00000000"))
			},
		},
		{
			name: "undecodable pointer",
			setup: func(t *testing.T, b store.Backend) {
				require.NoError(t, store.Set(context.Background(), b, store.CollectionSession, session.Key, []byte("nope")))
			},
		},
		{
			name: "steps without pointer",
			setup: func(t *testing.T, b store.Backend) {
				require.NoError(t, store.Remove(context.Background(), b, store.CollectionSession, session.Key))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := store.NewMemory()
			ctx := context.Background()
			seed := newTestLedger(t, b)
			require.NoError(t, seed.Append(ctx, withImage(newStep("A"), 1)))
			require.NoError(t, seed.Append(ctx, newStep("B")))
			tt.setup(t, b)

			l := New(b)
			notices, err := l.Load(ctx)
			require.Error(t, err)
			assert.True(t, IsCorrupted(err))
			var ce *CorruptedError
			assert.ErrorAs(t, err, &ce)
			require.Len(t, notices, 1)
			assert.Equal(t, NoticeCorrupted, notices[0].Code)
			assert.Equal(t, StateCorrupted, l.State())

			assert.ErrorIs(t, l.Append(ctx, newStep("B")), ErrCorrupted)
			_, err = l.Navigate(ctx, 1)
			assert.ErrorIs(t, err, ErrCorrupted)
			assert.ErrorIs(t, l.Replace(ctx, story.Snapshot{Session: story.NewSession()}), ErrCorrupted)

			// Nothing was discarded without the explicit clear.
			entries, err := b.Entries(ctx)
			require.NoError(t, err)
			assert.NotEmpty(t, entries)

			require.NoError(t, l.Clear(ctx))
			assert.Equal(t, StateEmpty, l.State())
			entries, err = b.Entries(ctx)
			require.NoError(t, err)
			assert.Empty(t, entries)

			require.NoError(t, l.Append(ctx, newStep("fresh")))
			assert.Equal(t, StateActive, l.State())
		})
	}
}

func TestLoad_BackendErrorLeavesLedgerUntouched(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, newStep("A")))
	require.NoError(t, b.Close())

	_, err := l.Load(ctx)
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.Equal(t, StateActive, l.State())
	assert.Equal(t, 1, l.Len())
}

func TestClear(t *testing.T) {
	b := store.NewMemory()
	var events []Event
	l := newTestLedger(t, b, WithCommitHook(func(e Event) { events = append(events, e) }))
	ctx := context.Background()

	require.NoError(t, l.MutateSession(ctx, func(s *story.Session) error {
		s.Settings.TargetLanguage = "de"
		return nil
	}))
	require.NoError(t, l.Append(ctx, withImage(newStep("A"), 1)))
	require.NoError(t, store.Set(ctx, b, store.CollectionSlots, store.SlotSession, []byte("{}")))
	require.NoError(t, store.Set(ctx, b, "notebook", "words", []byte("kept")))

	require.NoError(t, l.Clear(ctx))
	assert.Equal(t, StateEmpty, l.State())
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, -1, l.Session().CurrentIndex)
	assert.Equal(t, "de", l.Session().Settings.TargetLanguage, "settings survive in memory")
	assert.Equal(t, EventClear, events[len(events)-1].Kind)

	entries, err := b.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.Entry{{Collection: "notebook", Key: "words", Size: 4}}, entries)
}

func TestReplace(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, withImage(newStep("old"), 1)))

	steps := testutil.Steps(2)
	steps[1].ImageID = "new-1"
	sess := story.NewSession()
	sess.CurrentIndex = 0
	snap := story.Snapshot{
		Session: sess,
		Steps:   steps,
		Blobs:   map[string]story.Blob{"new-1": {ID: "new-1", Data: []byte("png"), MIME: "image/png"}},
	}

	require.NoError(t, l.Replace(ctx, snap))
	assert.Equal(t, []string{"step 0", "step 1"}, primaries(l.Steps()))
	assert.Equal(t, 0, l.Session().CurrentIndex)
	assert.Equal(t, []string{"new-1"}, storedBlobIDs(t, b))

	got, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestReplace_Empty(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, withImage(newStep("old"), 1)))

	require.NoError(t, l.Replace(ctx, story.Snapshot{Session: story.NewSession()}))
	assert.Equal(t, StateEmpty, l.State())
	entries, err := b.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplace_RejectsInvalidSnapshot(t *testing.T) {
	steps := testutil.Steps(2)
	sess := story.NewSession()
	sess.CurrentIndex = 1

	tests := []struct {
		name string
		snap story.Snapshot
	}{
		{"pointer out of range", story.Snapshot{Session: story.NewSession(), Steps: steps}},
		{"missing blob", func() story.Snapshot {
			s := story.Snapshot{Session: sess, Steps: testutil.Steps(2)}
			s.Steps[0].ImageID = "x"
			return s
		}()},
		{"shared blob", func() story.Snapshot {
			s := story.Snapshot{Session: sess, Steps: testutil.Steps(2), Blobs: map[string]story.Blob{"x": {ID: "x"}}}
			s.Steps[0].ImageID = "x"
			s.Steps[1].ImageID = "x"
			return s
		}()},
		{"invalid step", func() story.Snapshot {
			s := story.Snapshot{Session: sess, Steps: testutil.Steps(2)}
			s.Steps[1].Choices = nil
			return s
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t, store.NewMemory())
			assert.ErrorIs(t, l.Replace(context.Background(), tt.snap), ErrInvalidSnapshot)
		})
	}
}

func TestCommitHooks(t *testing.T) {
	var l *Ledger
	var events []Event
	var snapLens []int
	l = newTestLedger(t, store.NewMemory(), WithCommitHook(func(e Event) {
		events = append(events, e)
		snap, err := l.Snapshot(context.Background())
		require.NoError(t, err)
		snapLens = append(snapLens, len(snap.Steps))
	}))
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, newStep("A")))
	require.NoError(t, l.Append(ctx, newStep("B")))
	_, err := l.Navigate(ctx, -1)
	require.NoError(t, err)
	_, err = l.Navigate(ctx, -1)
	require.NoError(t, err, "no-op move")
	require.NoError(t, l.BranchAndAppend(ctx, 0, 1, newStep("C")))
	assert.ErrorIs(t, l.Append(ctx, NewStep{}), story.ErrInvalidStep)

	assert.Equal(t, []Event{
		{Kind: EventAppend, Index: 0, Length: 1},
		{Kind: EventAppend, Index: 1, Length: 2},
		{Kind: EventNavigate, Index: 0, Length: 2},
		{Kind: EventBranch, Index: 1, Length: 2},
	}, events)
	assert.Equal(t, []int{1, 2, 2, 2}, snapLens)
}

func TestSnapshot_ConcurrentReadersSeeWholeCommits(t *testing.T) {
	b := store.NewMemory()
	l := newTestLedger(t, b)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = l.Append(ctx, withImage(newStep(fmt.Sprintf("s%d", i)), i))
		}
	}()

	for i := 0; i < 50; i++ {
		snap, err := l.Snapshot(ctx)
		require.NoError(t, err)
		if len(snap.Steps) > 0 {
			assert.Equal(t, len(snap.Steps)-1, snap.Session.CurrentIndex)
		}
		assert.Len(t, snap.Blobs, len(snap.Steps))
	}
	wg.Wait()
	assert.Equal(t, 50, l.Len())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "corrupted", StateCorrupted.String())
	assert.Equal(t, "state(9)", State(9).String())
}
