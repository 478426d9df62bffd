package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mblsha/webforge/internal/archive"
	"github.com/mblsha/webforge/internal/client"
	"github.com/mblsha/webforge/internal/config"
	"github.com/mblsha/webforge/internal/job"
)

type submitOptions struct {
	clientID     string
	callbackURL  string
	wait         bool
	timeout      time.Duration
	listen       string
	callbackHost string
	outZip       string
	extractDir   string
}

func newSubmitCmd(conn *connection) *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit <source-url>",
		Short: "Queue a build of a .git or .zip source",
		Long: `Queue a build of a .git repository or .zip archive.

Without --callback-url the CLI listens for the callback itself and, with --wait,
prints the outcome and optionally downloads the artifact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), cmd.OutOrStdout(), conn, opts, args[0])
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.clientID, "client-id", "", "client id; names the artifact build_<client-id>.zip (required)")
	f.StringVar(&opts.callbackURL, "callback-url", "", "callback url; when empty a local receiver is started")
	f.BoolVar(&opts.wait, "wait", true, "wait for the callback before exiting")
	f.DurationVar(&opts.timeout, "timeout", time.Hour, "how long to wait for the callback")
	f.StringVar(&opts.listen, "listen", ":0", "listen address of the local callback receiver")
	f.StringVar(&opts.callbackHost, "callback-host", "", "host the server should use to reach the local receiver")
	f.StringVar(&opts.outZip, "out-zip", "", "save the artifact zip to this path (local-mode servers only)")
	f.StringVar(&opts.extractDir, "extract", "", "extract the artifact into this directory (local-mode servers only)")
	_ = cmd.MarkFlagRequired("client-id")
	return cmd
}

func runSubmit(ctx context.Context, out io.Writer, conn *connection, opts *submitOptions, sourceURL string) error {
	if !job.ValidClientID(opts.clientID) {
		return fmt.Errorf("invalid --client-id %q", opts.clientID)
	}
	c, err := conn.client(ctx)
	if err != nil {
		return err
	}

	callbackURL := strings.TrimSpace(opts.callbackURL)
	var recv *client.Receiver
	if callbackURL == "" {
		recv, err = client.Listen(opts.listen, opts.callbackHost)
		if err != nil {
			return err
		}
		defer recv.Close()
		callbackURL = recv.URL()
	}

	res, err := c.SubmitBuild(ctx, job.Request{
		SourceURL:   sourceURL,
		ClientID:    opts.clientID,
		CallbackURL: callbackURL,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (client_id=%s)\n", res.Message, res.ClientID)
	if recv == nil || !opts.wait {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	final, err := recv.Wait(waitCtx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "build %s: %s\n", final.Status, final.Message)
	if final.Status == job.StatusFailed {
		if final.Error != "" {
			fmt.Fprintln(out, final.Error)
		}
		return errors.New("build failed")
	}
	fmt.Fprintf(out, "artifact: %s\n", final.Artifact)
	if final.OutputURL != "" {
		fmt.Fprintf(out, "output url: %s\n", final.OutputURL)
	}
	return fetchArtifact(ctx, out, c, final, opts)
}

func fetchArtifact(ctx context.Context, out io.Writer, c *client.HTTPClient, res job.Result, opts *submitOptions) error {
	if opts.outZip == "" && opts.extractDir == "" {
		return nil
	}
	if res.OutputURL == "" && res.Artifact == "" {
		return errors.New("build result names no artifact to download")
	}
	zipPath := opts.outZip
	if zipPath == "" {
		tmp, err := os.CreateTemp("", "webforge-*.zip")
		if err != nil {
			return err
		}
		tmp.Close()
		zipPath = tmp.Name()
		defer os.Remove(zipPath)
	}

	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", zipPath, err)
	}
	n, err := c.DownloadArtifact(ctx, artifactLocation(res), f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if opts.outZip != "" {
		fmt.Fprintf(out, "saved %s (%d bytes)\n", opts.outZip, n)
	}

	if opts.extractDir != "" {
		dest := filepath.Clean(opts.extractDir)
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		d := config.Default()
		files, err := archive.ExtractSecure(ctx, zipPath, dest, archive.Limits{
			MaxFiles:      d.MaxExtractedFiles,
			MaxTotalBytes: d.MaxExtractedTotalBytes,
			MaxFileBytes:  d.MaxExtractedFileBytes,
		})
		if err != nil {
			return fmt.Errorf("extract artifact: %w", err)
		}
		fmt.Fprintf(out, "extracted %d files to %s\n", len(files), dest)
	}
	return nil
}

// artifactLocation prefers the published URL and falls back to the server's
// own artifact route in local mode.
func artifactLocation(res job.Result) string {
	if res.OutputURL != "" {
		return res.OutputURL
	}
	return client.ArtifactPath(res.Artifact)
}
