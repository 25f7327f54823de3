package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gosuda/tenantauth/internal/domain"
	"github.com/gosuda/tenantauth/internal/token"
)

var errUsage = errors.New("usage error") //nolint:gochecknoglobals // sentinel error

const usage = `usage: tenantauth <command> [arguments]

commands:
  lookup <username>               list the tenants a user belongs to
  login <username> [tenant-slug]  log in (password from TENANTAUTH_PASSWORD or stdin)
  list [-json]                    show stored sessions; * marks the current one
  switch <tenant-id>              select another stored session
  logout [tenant-id]              drop a session (the current one by default)
  token                           print a usable access token for the current session
  get [-no-cache] <path>          authenticated GET of <path> below the API URL
`

func (a *app) execute(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]

	if cmd != "lookup" && cmd != "help" {
		if err := a.registry.LoadAll(ctx); err != nil {
			return err
		}
	}

	switch cmd {
	case "lookup":
		return a.lookup(ctx, rest)
	case "login":
		return a.login(ctx, rest)
	case "list":
		return a.list(rest)
	case "switch":
		return a.switchTenant(ctx, rest)
	case "logout":
		return a.logout(ctx, rest)
	case "token":
		return a.token(ctx, rest)
	case "get":
		return a.get(ctx, rest)
	case "help":
		_, err := io.WriteString(a.stdout, usage)
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (a *app) lookup(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: lookup <username>", errUsage)
	}

	tenants, err := a.client.LookupTenants(ctx, args[0])
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSLUG\tTITLE")
	for _, t := range tenants {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", t.ID, t.Slug, t.Title)
	}
	return tw.Flush()
}

func (a *app) login(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: login <username> [tenant-slug]", errUsage)
	}
	username := args[0]

	tenants, err := a.client.LookupTenants(ctx, username)
	if err != nil {
		return err
	}
	tenant, err := pickTenant(tenants, args[1:])
	if err != nil {
		return err
	}

	password, err := a.readPassword()
	if err != nil {
		return err
	}

	sess, err := a.client.Login(ctx, tenant, username, password)
	if err != nil {
		return err
	}
	if err := a.registry.AddSession(ctx, sess); err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "logged in to %s (tenant %d)\n", tenant.Slug, tenant.ID)
	return nil
}

func pickTenant(tenants []domain.TenantDescriptor, slug []string) (domain.Tenant, error) {
	if len(slug) == 1 {
		for _, t := range tenants {
			if t.Slug == slug[0] {
				return t.Tenant(), nil
			}
		}
		return domain.Tenant{}, fmt.Errorf("user has no tenant %q", slug[0])
	}

	switch len(tenants) {
	case 0:
		return domain.Tenant{}, errors.New("user belongs to no tenant")
	case 1:
		return tenants[0].Tenant(), nil
	default:
		slugs := make([]string, 0, len(tenants))
		for _, t := range tenants {
			slugs = append(slugs, t.Slug)
		}
		return domain.Tenant{}, fmt.Errorf("%w: user belongs to several tenants, pick one of: %s",
			errUsage, strings.Join(slugs, ", "))
	}
}

func (a *app) readPassword() (string, error) {
	if pw := os.Getenv("TENANTAUTH_PASSWORD"); pw != "" {
		return pw, nil
	}

	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}

type listEntry struct {
	Current       bool       `json:"current"`
	TenantID      int64      `json:"tenantId"`
	Slug          string     `json:"slug"`
	AccessExpires *time.Time `json:"accessExpires,omitempty"`
}

func (a *app) list(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	current := a.registry.CurrentTenantID()
	sessions := a.registry.Sessions()
	entries := make([]listEntry, 0, len(sessions))
	for _, s := range sessions {
		e := listEntry{Current: s.Tenant.ID == current, TenantID: s.Tenant.ID, Slug: s.Tenant.Slug}
		if exp, ok := token.ExpiresAt(s.Auth.AccessToken); ok {
			e.AccessExpires = &exp
		}
		entries = append(entries, e)
	}

	if *asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tSLUG\tACCESS EXPIRES")
	for _, e := range entries {
		marker, expires := "", "-"
		if e.Current {
			marker = "*"
		}
		if e.AccessExpires != nil {
			expires = e.AccessExpires.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", marker, e.TenantID, e.Slug, expires)
	}
	return tw.Flush()
}

func (a *app) switchTenant(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: switch <tenant-id>", errUsage)
	}
	id, err := parseTenantID(args[0])
	if err != nil {
		return err
	}
	if err := a.registry.SwitchToSession(ctx, id); err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "current tenant: %d\n", id)
	return nil
}

func (a *app) logout(ctx context.Context, args []string) error {
	var id int64
	switch len(args) {
	case 0:
		id = a.registry.CurrentTenantID()
		if id == 0 {
			return domain.ErrNoCredential
		}
	case 1:
		var err error
		if id, err = parseTenantID(args[0]); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: logout [tenant-id]", errUsage)
	}

	if err := a.registry.RemoveSession(ctx, id); err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "logged out of tenant %d\n", id)
	return nil
}

func (a *app) token(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: token takes no arguments", errUsage)
	}

	id := a.registry.CurrentTenantID()
	if id == 0 {
		return domain.ErrNoCredential
	}
	access, err := a.refresher.AccessToken(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintln(a.stdout, access)
	return nil
}

func (a *app) get(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	noCache := fs.Bool("no-cache", false, "bypass the tenant response cache")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: get [-no-cache] <path>", errUsage)
	}

	sess, ok := a.registry.CurrentSession()
	if !ok {
		return domain.ErrNoCredential
	}

	// Resolve the credential up front so a dead session reports "login required"
	// instead of silently going out anonymous.
	if _, err := a.refresher.AccessToken(ctx, sess.Tenant.ID); err != nil {
		return err
	}

	target := a.client.APIURL() + "/" + strings.TrimLeft(fs.Arg(0), "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if *noCache {
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := a.binder.Bind(ctx, sess.Tenant).Client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(a.stdout, resp.Body); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: %s", fs.Arg(0), resp.Status)
	}
	return nil
}

func parseTenantID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid tenant id %q", errUsage, s)
	}
	return id, nil
}
