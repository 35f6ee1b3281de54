package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/storyline/internal/ledger"
	"github.com/roach88/storyline/internal/media"
	"github.com/roach88/storyline/internal/story"
)

// NavigateOptions holds flags for the navigate command.
type NavigateOptions struct {
	*RootOptions
	Delta int
	To    int
}

// NewNavigateCommand creates the navigate command.
func NewNavigateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NavigateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "navigate",
		Short: "Move through the story history",
		Long: `Move the pointer by --delta steps (clamped to the story) or to the
absolute step --to. Moving never changes the steps themselves.

Example:
  storyline navigate --delta=-1
  storyline navigate --to 0`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNavigate(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Delta, "delta", "d", 0, "steps to move, negative moves back")
	cmd.Flags().IntVar(&opts.To, "to", -1, "absolute step index to move to")
	return cmd
}

func runNavigate(cmd *cobra.Command, opts *NavigateOptions) error {
	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
		if err := a.requireUsable(); err != nil {
			return err
		}
		if opts.To >= 0 {
			if err := a.ledger.Seek(ctx, opts.To); err != nil {
				return operationError("navigate failed", err)
			}
		} else if _, err := a.ledger.Navigate(ctx, opts.Delta); err != nil {
			return operationError("navigate failed", err)
		}
		return a.out.Success(newPosition(a.ledger, "moved"))
	})
}

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	Index int
	Image bool
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current step",
		Long: `Print the step at the pointer, or at --index. With --image the step's
image is resolved and printed as a data URI.

Example:
  storyline show
  storyline show --index 2 --image --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Index, "index", -1, "step index to show (default: current)")
	cmd.Flags().BoolVar(&opts.Image, "image", false, "resolve the step image")
	return cmd
}

// stepView is a step as printed by show.
type stepView struct {
	Index    int             `json:"index"`
	Length   int             `json:"length"`
	State    string          `json:"state"`
	Step     *story.Step     `json:"step,omitempty"`
	ImageURI string          `json:"imageUri,omitempty"`
	Notices  []ledger.Notice `json:"notices,omitempty"`
}

func (v stepView) String() string {
	var b strings.Builder
	for _, n := range v.Notices {
		fmt.Fprintf(&b, "! %s: %s\n", n.Code, n.Message)
	}
	if v.Step == nil {
		fmt.Fprintf(&b, "story is %s", v.State)
		return b.String()
	}
	fmt.Fprintf(&b, "Step %d of %d\n\n", v.Index+1, v.Length)
	fmt.Fprintf(&b, "%s\n", v.Step.Text.Primary)
	if v.Step.Text.Translation != "" {
		fmt.Fprintf(&b, "  (%s)\n", v.Step.Text.Translation)
	}
	b.WriteString("\n")
	for i, c := range v.Step.Choices {
		marker := " "
		if v.Step.SelectedChoice != nil && *v.Step.SelectedChoice == i {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %d. %s\n", marker, i, c.Text)
	}
	if len(v.Step.Vocabulary) > 0 {
		b.WriteString("\nVocabulary:\n")
		for _, w := range v.Step.Vocabulary {
			fmt.Fprintf(&b, "  %s - %s\n", w.Word, w.Translation)
		}
	}
	if v.ImageURI != "" {
		fmt.Fprintf(&b, "\nImage: %d bytes as data URI\n", len(v.ImageURI))
	}
	return strings.TrimRight(b.String(), "\n")
}

func runShow(cmd *cobra.Command, opts *ShowOptions) error {
	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
		view := stepView{
			Index:   a.ledger.Session().CurrentIndex,
			Length:  a.ledger.Len(),
			State:   a.ledger.State().String(),
			Notices: a.notices,
		}
		if a.ledger.State() == ledger.StateCorrupted {
			_ = a.out.Success(view)
			return a.requireUsable()
		}
		if view.Length == 0 {
			return a.out.Success(view)
		}

		if opts.Index >= 0 {
			view.Index = opts.Index
		}
		step, err := a.ledger.Step(view.Index)
		if err != nil {
			return operationError("show failed", err)
		}
		view.Step = &step

		if opts.Image && step.HasImage() {
			uri, err := resolveImage(ctx, a.ledger, step.ImageID)
			if err != nil {
				return operationError("image unavailable", err)
			}
			view.ImageURI = uri
		}
		return a.out.Success(view)
	})
}

// resolveImage runs a single resolution through the resolver and copies the
// URI out before the handle is released.
func resolveImage(ctx context.Context, src media.Source, imageID string) (string, error) {
	var (
		uri    string
		resErr error
	)
	r := media.NewResolver(src,
		media.WithHandleFactory(media.InlineHandles()),
		media.OnResult(func(res media.Result) {
			resErr = res.Err
			if res.Handle != nil {
				uri = res.Handle.URI()
			}
		}),
	)
	defer r.Close()

	select {
	case <-r.Show(ctx, imageID):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if resErr != nil {
		return "", resErr
	}
	return uri, nil
}
