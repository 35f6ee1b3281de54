package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/storyline/internal/config"
	"github.com/roach88/storyline/internal/quota"
	"github.com/roach88/storyline/internal/session"
	"github.com/roach88/storyline/internal/story"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	WriteConfig string
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the store and report the session state",
		Long: `Open (creating if needed) the configured store, load the session and
report its state along with any repairs made while loading.

Example:
  storyline init --db ./story.db
  storyline init --write-config storyline.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.WriteConfig, "write-config", "", "write the default configuration to this file")
	return cmd
}

func runInit(cmd *cobra.Command, opts *InitOptions) error {
	if opts.WriteConfig != "" {
		data, err := yaml.Marshal(config.Default())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to encode config", err)
		}
		if err := os.WriteFile(opts.WriteConfig, data, 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write config", err)
		}
	}
	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
		view := stepView{
			Index:   a.ledger.Session().CurrentIndex,
			Length:  a.ledger.Len(),
			State:   a.ledger.State().String(),
			Notices: a.notices,
		}
		if err := a.out.Success(initResult(view)); err != nil {
			return err
		}
		return a.requireUsable()
	})
}

type initResult stepView

func (r initResult) String() string {
	var b strings.Builder
	for _, n := range r.Notices {
		fmt.Fprintf(&b, "! %s: %s\n", n.Code, n.Message)
	}
	fmt.Fprintf(&b, "session is %s", r.State)
	if r.Length > 0 {
		fmt.Fprintf(&b, ", %d steps, at step %d", r.Length, r.Index+1)
	}
	return b.String()
}

// SettingsOptions holds flags for the settings command.
type SettingsOptions struct {
	*RootOptions
	NativeLanguage string
	TargetLanguage string
	Genre          string
	Difficulty     string
	Images         string
	Profiles       string
	Relationships  string
}

// NewSettingsCommand creates the settings command.
func NewSettingsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SettingsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change session settings and characters",
		Long: `Without flags, print the session settings. Flags change individual
settings; --profiles merges character profiles by name and
--relationships replaces the relationship graph.

Example:
  storyline settings --target-language fr --difficulty intermediate
  storyline settings --profiles characters.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettings(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.NativeLanguage, "native-language", "", "player's language")
	cmd.Flags().StringVar(&opts.TargetLanguage, "target-language", "", "language being learned")
	cmd.Flags().StringVar(&opts.Genre, "genre", "", "story genre")
	cmd.Flags().StringVar(&opts.Difficulty, "difficulty", "", "difficulty level")
	cmd.Flags().StringVar(&opts.Images, "images", "", "enable images (true|false)")
	cmd.Flags().StringVar(&opts.Profiles, "profiles", "", "JSON file of character profiles to merge")
	cmd.Flags().StringVar(&opts.Relationships, "relationships", "", "JSON file of relationship edges")
	return cmd
}

func (o *SettingsOptions) patch(cmd *cobra.Command) (session.SettingsPatch, error) {
	var p session.SettingsPatch
	str := func(name string, dst **string, v string) {
		if cmd.Flags().Changed(name) {
			s := v
			*dst = &s
		}
	}
	str("native-language", &p.NativeLanguage, o.NativeLanguage)
	str("target-language", &p.TargetLanguage, o.TargetLanguage)
	str("genre", &p.Genre, o.Genre)
	str("difficulty", &p.Difficulty, o.Difficulty)
	if cmd.Flags().Changed("images") {
		switch o.Images {
		case "true":
			v := true
			p.ImagesEnabled = &v
		case "false":
			v := false
			p.ImagesEnabled = &v
		default:
			return p, fmt.Errorf("--images must be true or false, got %q", o.Images)
		}
	}
	return p, nil
}

func runSettings(cmd *cobra.Command, opts *SettingsOptions) error {
	patch, err := opts.patch(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	var (
		profiles []story.CharacterProfile
		edges    []story.RelationshipEdge
	)
	if opts.Profiles != "" {
		if err := readJSON(opts.Profiles, &profiles); err != nil {
			return err
		}
	}
	if opts.Relationships != "" {
		if err := readJSON(opts.Relationships, &edges); err != nil {
			return err
		}
	}

	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
		if err := a.requireUsable(); err != nil {
			return err
		}
		mgr := session.NewManager(a.ledger)
		if err := mgr.UpdateSettings(ctx, patch); err != nil {
			return operationError("update settings failed", err)
		}
		if profiles != nil {
			if err := mgr.UpdateCharacterProfiles(ctx, profiles); err != nil {
				return operationError("update profiles failed", err)
			}
		}
		if edges != nil {
			if err := mgr.UpdateRelationships(ctx, edges); err != nil {
				return operationError("update relationships failed", err)
			}
		}
		return a.out.Success(settingsView(a.ledger.Session()))
	})
}

type settingsView story.Session

func (v settingsView) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Settings          story.Settings           `json:"settings"`
		CharacterProfiles []story.CharacterProfile `json:"characterProfiles"`
		Relationships     []story.RelationshipEdge `json:"relationships"`
		Stats             story.Stats              `json:"stats"`
	}{v.Settings, v.CharacterProfiles, v.Relationships, v.Stats})
}

func (v settingsView) String() string {
	var b strings.Builder
	s := v.Settings
	fmt.Fprintf(&b, "languages: %s -> %s\n", s.NativeLanguage, s.TargetLanguage)
	fmt.Fprintf(&b, "genre: %s, difficulty: %s, images: %t\n", s.Genre, s.Difficulty, s.ImagesEnabled)
	fmt.Fprintf(&b, "characters: %d, relationships: %d\n", len(v.CharacterProfiles), len(v.Relationships))
	fmt.Fprintf(&b, "steps generated: %d, branches: %d", v.Stats.StepsGenerated, v.Stats.Branches)
	return b.String()
}

func readJSON(path string, v any) error {
	data, err := readFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read "+path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return WrapExitError(ExitCommandError, "failed to parse "+path, err)
	}
	return nil
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	var maxSteps, keepImages int

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Shrink the story to free storage",
		Long: `Keep at most --max-steps steps around the current one and drop the
images of all but the --keep-images most recent kept steps. Defaults come
from the configuration.

Example:
  storyline compact
  storyline compact --max-steps 20 --keep-images 5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				if err := a.requireUsable(); err != nil {
					return err
				}
				if !cmd.Flags().Changed("max-steps") {
					maxSteps = a.cfg.Compaction.MaxSteps
				}
				if !cmd.Flags().Changed("keep-images") {
					keepImages = a.cfg.Compaction.KeepImages
				}
				before := a.ledger.Len()
				plan, err := a.ledger.Compact(ctx, maxSteps, keepImages)
				if err != nil {
					return operationError("compact failed", err)
				}
				return a.out.Success(compactResult{
					position: newPosition(a.ledger, "compacted"),
					Removed:  before - plan.Len(),
					Plan:     plan,
				})
			})
		},
	}

	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "steps to keep (default from config)")
	cmd.Flags().IntVar(&keepImages, "keep-images", 0, "recent steps that keep their image (default from config)")
	return cmd
}

type compactResult struct {
	position
	Removed int                  `json:"removed"`
	Plan    story.CompactionPlan `json:"plan"`
}

func (r compactResult) String() string {
	return fmt.Sprintf("%s, removed %d steps", r.position.String(), r.Removed)
}

// NewPressureCommand creates the pressure command.
func NewPressureCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pressure",
		Short: "Report storage use",
		Long: `Report how much of the store's capacity the session and other data use,
and whether compaction is advisable.

Example:
  storyline pressure --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				p, err := a.guard.Pressure(ctx, a.ledger.Len())
				if err != nil {
					return operationError("pressure failed", err)
				}
				return a.out.Success(pressureView(p))
			})
		},
	}
	return cmd
}

type pressureView quota.Pressure

func (p pressureView) String() string {
	usage := fmt.Sprintf("%d bytes", p.EstimatedBytes)
	if p.Capacity > 0 {
		usage = fmt.Sprintf("%d of %d bytes (%.0f%%)", p.EstimatedBytes, p.Capacity, p.Ratio*100)
	}
	s := fmt.Sprintf("storage: %s, %d steps", usage, p.StepCount)
	if p.Warn {
		s += "\nwarning: storage is getting full, consider \"storyline compact\" or \"storyline export\""
	}
	return s
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the session and start over",
		Long: `Delete every step, image and the session pointer. This is the way out
of a corrupted session. Requires --yes.

Example:
  storyline clear --yes`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "refusing to clear without --yes")
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				if err := a.ledger.Clear(ctx); err != nil {
					return operationError("clear failed", err)
				}
				return a.out.Success(newPosition(a.ledger, "cleared"))
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}
