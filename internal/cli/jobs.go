package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"entityvc/internal/vc"
)

// JobOptions holds flags for the commit and load commands.
type JobOptions struct {
	*RootOptions
	RequestFile  string
	PollInterval time.Duration
}

// readRequest reads a YAML or JSON request file and returns it as JSON.
func readRequest(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "read request file", err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, WrapExitError(ExitCommandError, "parse request file", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "parse request file", err)
	}
	return out, nil
}

// poll calls get every interval until it reports a finished job.
func poll[R any](ctx context.Context, interval time.Duration, get func() (R, bool, bool)) (R, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, found, done := get()
		if !found {
			var zero R
			return zero, vc.ErrJobNotFound
		}
		if done {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}

func addJobFlags(cmd *cobra.Command, opts *JobOptions) {
	cmd.Flags().StringVarP(&opts.RequestFile, "request", "r", "", "YAML or JSON request file (required)")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", 200*time.Millisecond, "how often to poll the job")
	_ = cmd.MarkFlagRequired("request")
}

// NewCommitCommand creates the commit command.
func NewCommitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JobOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Export live entities into a new version",
		Long: `Export live entities into a new version and wait for the job.

The request file holds a SINGLE_ENTITY or COMPLEX create request:

  type: COMPLEX
  versionName: nightly
  entityTypes:
    DEVICE: {allEntities: true, saveAttributes: true}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readRequest(opts.RequestFile)
			if err != nil {
				return err
			}
			req, err := vc.DecodeCreateRequest(raw)
			if err != nil {
				return WrapExitError(ExitCommandError, "create request", err)
			}
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				id, err := a.svc.CreateVersion(ctx, req)
				if err != nil {
					return WrapExitError(ExitCommandError, "submit create job", err)
				}
				res, err := poll(ctx, opts.PollInterval, func() (vc.VersionCreationResult, bool, bool) {
					r, ok := a.svc.PollCreate(id)
					return r, ok, r.Done
				})
				if err != nil {
					return WrapExitError(ExitFailure, "wait for create job", err)
				}
				out := opts.output(cmd)
				if res.Error != "" {
					_ = out.Failure(res, res.Error)
					return NewExitError(ExitFailure, "create job failed: "+res.Error)
				}
				return out.Success(res, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "version %s: %d added, %d modified, %d removed\n",
						res.Version.ID, res.Added, res.Modified, res.Removed)
					return err
				})
			})
		},
	}
	addJobFlags(cmd, opts)
	return cmd
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JobOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load a version into the live store",
		Long: `Load a version into the live store and wait for the job.

The request file holds a SINGLE_ENTITY or ENTITY_TYPE load request. Without
a versionId the head of the branch is loaded:

  type: ENTITY_TYPE
  syncStrategy: OVERWRITE
  entityTypes:
    DEVICE: {loadAttributes: true, loadCredentials: true}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readRequest(opts.RequestFile)
			if err != nil {
				return err
			}
			req, err := vc.DecodeLoadRequest(raw)
			if err != nil {
				return WrapExitError(ExitCommandError, "load request", err)
			}
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				id, err := a.svc.LoadVersion(ctx, req)
				if err != nil {
					return WrapExitError(ExitCommandError, "submit load job", err)
				}
				res, err := poll(ctx, opts.PollInterval, func() (vc.VersionLoadResult, bool, bool) {
					r, ok := a.svc.PollLoad(id)
					return r, ok, r.Done
				})
				if err != nil {
					return WrapExitError(ExitFailure, "wait for load job", err)
				}
				out := opts.output(cmd)
				if res.Error != nil {
					_ = out.Failure(res, res.Error.Error())
					return WrapExitError(ExitFailure, "load job failed", res.Error)
				}
				return out.Success(res, func(w io.Writer) error {
					rows := make([][]string, 0, len(res.Result))
					for _, r := range res.Result {
						rows = append(rows, []string{string(r.EntityType), fmt.Sprint(r.Created), fmt.Sprint(r.Updated), fmt.Sprint(r.Deleted)})
					}
					return table(w, []string{"TYPE", "CREATED", "UPDATED", "DELETED"}, rows)
				})
			})
		},
	}
	addJobFlags(cmd, opts)
	return cmd
}
