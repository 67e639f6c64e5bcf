package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"entityvc/internal/vc"
	"entityvc/pkg/domain"
)

// withApp opens the service for one command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts.config)
	if err != nil {
		return WrapExitError(ExitCommandError, "open service", err)
	}
	runErr := fn(ctx, a)
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = WrapExitError(ExitFailure, "close service", err)
	}
	return runErr
}

func parseType(raw string) (domain.EntityType, error) {
	if raw == "" {
		return "", nil
	}
	t, err := domain.ParseEntityType(raw)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "entity type", err)
	}
	return t, nil
}

func formatTimestamp(millis int64) string {
	return time.UnixMilli(millis).UTC().Format(time.RFC3339)
}

// NewBranchesCommand creates the branches command.
func NewBranchesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "branches",
		Short: "List branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				branches, err := a.svc.ListBranches(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "list branches", err)
				}
				return opts.output(cmd).Success(branches, func(w io.Writer) error {
					rows := make([][]string, 0, len(branches))
					for _, b := range branches {
						def := ""
						if b.IsDefault {
							def = "*"
						}
						rows = append(rows, []string{def, b.Name})
					}
					return table(w, []string{"", "BRANCH"}, rows)
				})
			})
		},
	}
}

// VersionsOptions holds flags for the versions command.
type VersionsOptions struct {
	*RootOptions
	Branch     string
	EntityType string
	EntityID   string
}

// NewVersionsCommand creates the versions command.
func NewVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VersionsOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List the versions of a branch, newest first",
		Long: `List the versions of a branch, newest first.

Example:
  entityvc versions --branch main --entity-type DEVICE --entity-id 7f3c`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseType(opts.EntityType)
			if err != nil {
				return err
			}
			scope := vc.VersionScope{EntityType: t, EntityID: opts.EntityID}
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				versions, err := a.svc.ListVersions(ctx, opts.Branch, scope)
				if err != nil {
					return WrapExitError(ExitFailure, "list versions", err)
				}
				return opts.output(cmd).Success(versions, func(w io.Writer) error {
					rows := make([][]string, 0, len(versions))
					for _, v := range versions {
						rows = append(rows, []string{v.ID, formatTimestamp(v.Timestamp), v.Author, v.Name})
					}
					return table(w, []string{"ID", "TIME", "AUTHOR", "NAME"}, rows)
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "branch (defaults to repository.default_branch)")
	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "only versions touching this entity type")
	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "only versions touching this entity (needs --entity-type)")
	return cmd
}

// EntitiesOptions holds flags for the entities command.
type EntitiesOptions struct {
	*RootOptions
	Branch     string
	Version    string
	EntityType string
}

// NewEntitiesCommand creates the entities command.
func NewEntitiesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EntitiesOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "List the entities stored in a version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseType(opts.EntityType)
			if err != nil {
				return err
			}
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				entities, err := a.svc.ListEntitiesAtVersion(ctx, opts.Branch, opts.Version, t)
				if err != nil {
					return WrapExitError(ExitFailure, "list entities", err)
				}
				return opts.output(cmd).Success(entities, func(w io.Writer) error {
					rows := make([][]string, 0, len(entities))
					for _, e := range entities {
						rows = append(rows, []string{string(e.ExternalID.EntityType), e.ExternalID.ID, e.Name})
					}
					return table(w, []string{"TYPE", "ID", "NAME"}, rows)
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "branch (defaults to repository.default_branch)")
	cmd.Flags().StringVar(&opts.Version, "version", "", "version id (required)")
	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "only this entity type")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

// DiffOptions holds flags for the diff command.
type DiffOptions struct {
	*RootOptions
	Branch     string
	Version    string
	EntityType string
	EntityID   string
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Diff a live entity against its document in a version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseType(opts.EntityType)
			if err != nil {
				return err
			}
			id := domain.NewEntityID(t, opts.EntityID)
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				d, err := a.svc.DiffEntity(ctx, opts.Branch, opts.Version, id)
				if err != nil {
					return WrapExitError(ExitFailure, "diff "+id.String(), err)
				}
				return opts.output(cmd).Success(d, func(w io.Writer) error {
					if d.RawDiff == "" {
						_, err := fmt.Fprintf(w, "%s is unchanged\n", id)
						return err
					}
					_, err := io.WriteString(w, d.RawDiff)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "branch (defaults to repository.default_branch)")
	cmd.Flags().StringVar(&opts.Version, "version", "", "version id (defaults to the branch head)")
	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "entity type (required)")
	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "entity id inside the version (required)")
	for _, name := range []string{"entity-type", "entity-id"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// CompareOptions holds flags for the compare command.
type CompareOptions struct {
	*RootOptions
	Branch string
	From   string
	To     string
}

// NewCompareCommand creates the compare command.
func NewCompareCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompareOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "List the entities that differ between two versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				cmp, err := a.svc.CompareVersions(ctx, opts.Branch, opts.From, opts.To)
				if err != nil {
					return WrapExitError(ExitFailure, "compare versions", err)
				}
				return opts.output(cmd).Success(cmp, func(w io.Writer) error {
					var rows [][]string
					for _, group := range []struct {
						change string
						ids    []domain.EntityID
					}{{"added", cmp.Added}, {"modified", cmp.Modified}, {"removed", cmp.Removed}} {
						for _, id := range group.ids {
							rows = append(rows, []string{group.change, string(id.EntityType), id.ID})
						}
					}
					if err := table(w, []string{"CHANGE", "TYPE", "ID"}, rows); err != nil {
						return err
					}
					_, err := fmt.Fprintf(w, "%d entities changed\n", len(rows))
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "branch (defaults to repository.default_branch)")
	cmd.Flags().StringVar(&opts.From, "from", "", "older version id (required)")
	cmd.Flags().StringVar(&opts.To, "to", "", "newer version id (required)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
