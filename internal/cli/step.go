package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/storyline/internal/ledger"
)

// stepInput is the JSON accepted by append and branch. The image, when
// present, is read from a file next to the input.
type stepInput struct {
	ledger.NewStep
	Image *imageInput `json:"image,omitempty"`
}

type imageInput struct {
	Path string `json:"path"`
	MIME string `json:"mime,omitempty"`
}

// StepOptions holds flags for the append and branch commands.
type StepOptions struct {
	*RootOptions
	From   int
	Choice int
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append [step.json]",
		Short: "Append a generated step at the end of the story",
		Long: `Append a complete step after the last one and move to it. The pointer
must be at the last step; use "branch" to continue from an earlier one.

The step is read from the file, or stdin when omitted:

  {
    "text": {"primary": "...", "translation": "..."},
    "choices": [{"text": "..."}, {"text": "..."}, {"text": "..."}],
    "vocabulary": [{"word": "...", "translation": "..."}],
    "image": {"path": "scene.png"}
  }

Example:
  storyline append step.json
  generate-step | storyline append`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(cmd, opts, argOrEmpty(args))
		},
	}
	return cmd
}

// NewBranchCommand creates the branch command.
func NewBranchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "branch [step.json]",
		Short: "Pick a choice at an earlier step and continue from there",
		Long: `Record the choice taken at step --from, discard every later step and
append the new step after it.

Example:
  storyline branch --from 3 --choice 1 step.json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBranch(cmd, opts, argOrEmpty(args))
		},
	}

	cmd.Flags().IntVar(&opts.From, "from", -1, "index of the step the choice was made at (default: current)")
	cmd.Flags().IntVar(&opts.Choice, "choice", 0, "index of the choice taken (0-2, required)")
	_ = cmd.MarkFlagRequired("choice")
	return cmd
}

func runAppend(cmd *cobra.Command, opts *StepOptions, path string) error {
	ns, err := loadStepInput(cmd, path)
	if err != nil {
		return err
	}
	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
		if err := a.requireUsable(); err != nil {
			return err
		}
		if err := a.ledger.Append(ctx, ns); err != nil {
			return operationError("append failed", err)
		}
		return a.out.Success(newPosition(a.ledger, "appended"))
	})
}

func runBranch(cmd *cobra.Command, opts *StepOptions, path string) error {
	ns, err := loadStepInput(cmd, path)
	if err != nil {
		return err
	}
	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
		if err := a.requireUsable(); err != nil {
			return err
		}
		from := opts.From
		if from < 0 {
			from = a.ledger.Session().CurrentIndex
		}
		if err := a.ledger.BranchAndAppend(ctx, from, opts.Choice, ns); err != nil {
			return operationError("branch failed", err)
		}
		return a.out.Success(newPosition(a.ledger, "branched"))
	})
}

func loadStepInput(cmd *cobra.Command, path string) (ledger.NewStep, error) {
	raw, err := readInput(cmd, path)
	if err != nil {
		return ledger.NewStep{}, WrapExitError(ExitCommandError, "failed to read step", err)
	}
	var in stepInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return ledger.NewStep{}, WrapExitError(ExitCommandError, "failed to parse step", err)
	}
	ns := in.NewStep
	if in.Image != nil {
		imgPath := in.Image.Path
		if !filepath.IsAbs(imgPath) && path != "" && path != "-" {
			imgPath = filepath.Join(filepath.Dir(path), imgPath)
		}
		data, err := readFile(imgPath)
		if err != nil {
			return ledger.NewStep{}, WrapExitError(ExitCommandError, "failed to read image", err)
		}
		mime := in.Image.MIME
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		ns.Image = &ledger.ImagePayload{Data: data, MIME: mime}
	}
	if err := ns.Validate(); err != nil {
		return ledger.NewStep{}, WrapExitError(ExitFailure, "invalid step", err)
	}
	return ns, nil
}

// position is the pointer report printed after a change.
type position struct {
	Action string `json:"action,omitempty"`
	Index  int    `json:"index"`
	Length int    `json:"length"`
	State  string `json:"state"`
}

func newPosition(l *ledger.Ledger, action string) position {
	return position{
		Action: action,
		Index:  l.Session().CurrentIndex,
		Length: l.Len(),
		State:  l.State().String(),
	}
}

func (p position) String() string {
	if p.Length == 0 {
		return fmt.Sprintf("%s: story is empty", p.Action)
	}
	return fmt.Sprintf("%s: at step %d of %d", p.Action, p.Index+1, p.Length)
}

func argOrEmpty(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
