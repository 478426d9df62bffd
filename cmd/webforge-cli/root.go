package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mblsha/webforge/internal/client"
	"github.com/mblsha/webforge/internal/discovery"
)

var discoverFn = discovery.Discover

// connection holds the flags shared by every command that talks to a server.
type connection struct {
	server          string
	discover        bool
	discoverTimeout time.Duration
	discoverService string
	discoverDomain  string
	token           string
	authHeader      string
}

func newRootCmd() *cobra.Command {
	conn := &connection{}
	root := &cobra.Command{
		Use:           "webforge-cli",
		Short:         "Submit static site builds to a webforge server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := root.PersistentFlags()
	f.StringVar(&conn.server, "server", strings.TrimSpace(os.Getenv("WEBFORGE_SERVER")), "server base url (if empty, auto-discover)")
	f.BoolVar(&conn.discover, "discover", true, "auto-discover the server over mDNS when --server is not set")
	f.DurationVar(&conn.discoverTimeout, "discover-timeout", 2*time.Second, "mDNS discovery timeout")
	f.StringVar(&conn.discoverService, "discover-service", discovery.DefaultServiceName, "mDNS service name")
	f.StringVar(&conn.discoverDomain, "discover-domain", discovery.DefaultDomain, "mDNS domain")
	f.StringVar(&conn.token, "token", strings.TrimSpace(os.Getenv("WEBFORGE_TOKEN")), "auth token")
	f.StringVar(&conn.authHeader, "auth-header", defaultString(os.Getenv("WEBFORGE_AUTH_HEADER"), "X-Build-Token"), "auth header")

	root.AddCommand(newSubmitCmd(conn), newHealthCmd(conn), newDiscoverCmd(conn))
	return root
}

func (c *connection) client(ctx context.Context) (*client.HTTPClient, error) {
	base, err := resolveServerURL(ctx, c.server, c.discover, c.discoverTimeout, c.discoverService, c.discoverDomain)
	if err != nil {
		return nil, err
	}
	return &client.HTTPClient{BaseURL: base, Token: c.token, AuthHeader: c.authHeader}, nil
}

func resolveServerURL(ctx context.Context, explicit string, discover bool, timeout time.Duration, service, domain string) (string, error) {
	if s := strings.TrimSpace(explicit); s != "" {
		return s, nil
	}
	if !discover {
		return "", fmt.Errorf("--server is required when discovery is disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ep, err := discoverFn(ctx, service, domain, discovery.HealthProbe(nil))
	if err != nil {
		return "", fmt.Errorf("auto-discover server: %w", err)
	}
	return ep.URL, nil
}

func newHealthCmd(conn *connection) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := conn.client(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy\n", c.BaseURL)
			return nil
		},
	}
}

func newDiscoverCmd(conn *connection) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Find a server on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), conn.discoverTimeout)
			defer cancel()
			ep, err := discoverFn(ctx, conn.discoverService, conn.discoverDomain, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s instance=%s host=%s mode=%s version=%s\n",
				ep.URL, ep.Instance, ep.HostName, defaultString(ep.Mode, "-"), defaultString(ep.Version, "-"))
			return nil
		},
	}
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
