// ABOUTME: Operator commands that talk to a running gateway over HTTP
// ABOUTME: Implements health, pending and approve using the admin token header

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/2389/keygate/internal/auth"
	"github.com/2389/keygate/internal/config"
	"github.com/2389/keygate/internal/gateway"
)

const requestTimeout = 10 * time.Second

// adminClient calls the gateway HTTP API.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAdminClient resolves the gateway URL and admin token from the
// environment, then the config file. The token is prompted for when stdin is
// a terminal and nothing else provides it.
func newAdminClient(needToken bool) (*adminClient, error) {
	c := &adminClient{
		baseURL: os.Getenv("KEYGATE_URL"),
		token:   os.Getenv("KEYGATE_ADMIN_TOKEN"),
		http:    &http.Client{Timeout: requestTimeout},
	}

	if c.baseURL == "" || (needToken && c.token == "") {
		cfg, err := config.Load(config.DefaultPath())
		if err != nil && c.baseURL == "" {
			return nil, fmt.Errorf("loading config (or set KEYGATE_URL): %w", err)
		}
		if cfg != nil {
			if c.baseURL == "" {
				c.baseURL = "http://" + cfg.Server.HTTPAddr
			}
			if c.token == "" {
				c.token = cfg.Auth.AdminToken
			}
		}
	}
	c.baseURL = strings.TrimRight(c.baseURL, "/")

	if needToken && c.token == "" {
		token, err := promptSecret("Admin token: ")
		if err != nil {
			return nil, err
		}
		c.token = token
	}
	return c, nil
}

func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("admin token required: set KEYGATE_ADMIN_TOKEN")
	}
	fmt.Fprint(os.Stderr, label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading admin token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// do sends a request and decodes a 2xx JSON body into out. Error bodies are
// surfaced as errors.
func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set(auth.AdminHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (c *adminClient) pending(ctx context.Context, limit int) ([]gateway.PendingSubject, error) {
	path := "/auth/admin/pending"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp gateway.PendingResponse
	if err := c.do(ctx, http.MethodGet, path, &resp); err != nil {
		return nil, err
	}
	return resp.Subjects, nil
}

func (c *adminClient) approve(ctx context.Context, fingerprint string) (*gateway.ApproveResponse, error) {
	var resp gateway.ApproveResponse
	path := "/auth/admin/approve/" + url.PathEscape(fingerprint)
	if err := c.do(ctx, http.MethodPost, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *adminClient) ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health/ready", nil)
}

func runHealth(ctx context.Context) error {
	c, err := newAdminClient(false)
	if err != nil {
		return err
	}
	if err := c.ready(ctx); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

func parseLimit(args []string) (int, error) {
	limit := 0
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var raw string
		switch {
		case arg == "--limit" || arg == "-n":
			if i+1 >= len(args) {
				return 0, fmt.Errorf("%s requires a value", arg)
			}
			raw = args[i+1]
			i++
		case strings.HasPrefix(arg, "--limit="):
			raw = strings.TrimPrefix(arg, "--limit=")
		default:
			return 0, fmt.Errorf("unexpected argument: %s", arg)
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid limit %q", raw)
		}
		limit = n
	}
	return limit, nil
}

func runPending(ctx context.Context, args []string) error {
	limit, err := parseLimit(args)
	if err != nil {
		return err
	}
	c, err := newAdminClient(true)
	if err != nil {
		return err
	}

	subjects, err := c.pending(ctx, limit)
	if err != nil {
		return err
	}
	printPending(os.Stdout, subjects)
	return nil
}

func printPending(w io.Writer, subjects []gateway.PendingSubject) {
	if len(subjects) == 0 {
		fmt.Fprintln(w, "No pending registrations.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINGERPRINT\tHANDLE\tEMAIL\tKEY\tEMAIL OK\tREGISTERED")
	for _, s := range subjects {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Fingerprint, s.Handle, s.Email,
			yesNo(s.PGPVerified), yesNo(s.EmailVerified),
			s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func runApprove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: keygate approve <fingerprint>")
	}
	c, err := newAdminClient(true)
	if err != nil {
		return err
	}

	resp, err := c.approve(ctx, args[0])
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Approved %s (%s)\n", resp.Handle, resp.Fingerprint)
	return nil
}
