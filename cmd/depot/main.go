package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mbaxter/depot/internal/config"
	"github.com/mbaxter/depot/internal/logging"
	"github.com/mbaxter/depot/internal/models"
	"github.com/mbaxter/depot/internal/oauth"
	"github.com/mbaxter/depot/internal/registry"
	"github.com/mbaxter/depot/internal/session"
	"github.com/mbaxter/depot/internal/store"
)

var Version = "dev"

const usage = `depot - credential and session broker for remote file stores

Usage:
  depot list                 list saved connections
  depot show <id>            show one connection's public metadata
  depot add                  save a new connection interactively
  depot test <id>            open and verify a saved connection
  depot test --all           verify every saved connection
  depot delete <id>          delete a connection and its cached token
  depot export               write public connection metadata as YAML to stdout
  depot import <file>        import public connection metadata from YAML
  depot wipe                 delete all connections and rotate the encryption key
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Debug("depot starting",
		slog.String("version", Version),
		slog.String("state_dir", cfg.StateDir),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", slog.String("error", err.Error()))
		}
	}()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	cache := oauth.NewCache(oauth.NewEndpointClient(cfg.TokenURL, httpClient), logger)
	defer cache.Close()

	binder := session.NewBinder(cache, nil, httpClient, logger)
	reg := registry.New(st, cache, binder, logger)

	switch args[0] {
	case "list":
		return cmdList(reg)
	case "show":
		return cmdShow(reg, args[1:])
	case "add":
		return cmdAdd(reg)
	case "test":
		return cmdTest(ctx, reg, args[1:])
	case "delete":
		return cmdDelete(reg, args[1:])
	case "export":
		return reg.ExportConnections(os.Stdout)
	case "import":
		return cmdImport(reg, args[1:])
	case "wipe":
		return cmdWipe(reg)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func cmdList(reg *registry.Registry) error {
	conns, err := reg.LoadConnections()
	if err != nil {
		return err
	}

	if len(conns) == 0 {
		fmt.Println("no connections saved")
		return nil
	}

	for _, conn := range conns {
		last := "never"
		if !conn.LastConnectedAt.IsZero() {
			last = conn.LastConnectedAt.Format("2006-01-02 15:04")
		}

		fmt.Printf("%s  %-20s %-8s %-40s last connected: %s\n",
			conn.ID, conn.Name, conn.AuthType, conn.URL, last)
	}

	return nil
}

func cmdShow(reg *registry.Registry, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: depot show <id>")
	}

	conns, err := reg.LoadConnections()
	if err != nil {
		return err
	}

	for _, conn := range conns {
		if conn.ID != args[0] {
			continue
		}

		fmt.Printf("id:        %s\n", conn.ID)
		fmt.Printf("name:      %s\n", conn.Name)
		fmt.Printf("url:       %s\n", conn.URL)
		fmt.Printf("auth type: %s\n", conn.AuthType)

		if !conn.LastConnectedAt.IsZero() {
			fmt.Printf("last connected: %s\n", conn.LastConnectedAt.Format("2006-01-02 15:04:05"))
		}

		if conn.LastLocalFolder != "" {
			fmt.Printf("local folder:   %s\n", conn.LastLocalFolder)
		}

		ids, err := reg.CustomIDs(conn.ID)
		if err != nil {
			return err
		}

		if len(ids.CatalogIDs) > 0 {
			fmt.Printf("catalog ids:    %s\n", strings.Join(ids.CatalogIDs, ", "))
		}

		if len(ids.LibraryIDs) > 0 {
			fmt.Printf("library ids:    %s\n", strings.Join(ids.LibraryIDs, ", "))
		}

		return nil
	}

	return fmt.Errorf("no connection with id %q", args[0])
}

func cmdAdd(reg *registry.Registry) error {
	scanner := bufio.NewScanner(os.Stdin)

	name, err := prompt(scanner, "Name")
	if err != nil {
		return err
	}

	rawURL, err := prompt(scanner, "URL")
	if err != nil {
		return err
	}

	authType, err := prompt(scanner, "Auth type (basic/bearer/oauth2)")
	if err != nil {
		return err
	}

	creds := models.Credentials{
		Connection: models.Connection{
			Name:     name,
			URL:      rawURL,
			AuthType: models.AuthType(authType),
		},
	}

	switch creds.AuthType {
	case models.AuthBasic:
		username, err := prompt(scanner, "Username")
		if err != nil {
			return err
		}

		password, err := prompt(scanner, "Password")
		if err != nil {
			return err
		}

		creds.Secret.Basic = &models.BasicSecret{Username: username, Password: password}
	case models.AuthBearer:
		token, err := prompt(scanner, "Token")
		if err != nil {
			return err
		}

		creds.Secret.Bearer = &models.BearerSecret{Token: token}
	case models.AuthOAuth2:
		clientID, err := prompt(scanner, "Client ID")
		if err != nil {
			return err
		}

		clientSecret, err := prompt(scanner, "Client secret")
		if err != nil {
			return err
		}

		creds.Secret.OAuth2 = &models.OAuth2Secret{ClientID: clientID, ClientSecret: clientSecret}
	default:
		return fmt.Errorf("unknown auth type %q", authType)
	}

	id, err := reg.SaveCredentials(creds)
	if err != nil {
		return err
	}

	fmt.Printf("saved connection %s\n", id)

	return nil
}

func prompt(scanner *bufio.Scanner, label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}

		return "", fmt.Errorf("no input")
	}

	return strings.TrimSpace(scanner.Text()), nil
}

func cmdTest(ctx context.Context, reg *registry.Registry, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: depot test <id> | depot test --all")
	}

	if args[0] == "--all" {
		return cmdTestAll(ctx, reg)
	}

	ok, err := reg.TestSaved(ctx, args[0])
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("connection %s failed verification", args[0])
	}

	fmt.Printf("connection %s ok\n", args[0])

	return nil
}

func cmdTestAll(ctx context.Context, reg *registry.Registry) error {
	results, err := reg.TestAll(ctx)

	failed := 0

	for id, ok := range results {
		status := "ok"
		if !ok {
			status = "FAILED"
			failed++
		}

		fmt.Printf("%s  %s\n", id, status)
	}

	if err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d connections failed verification", failed, len(results))
	}

	fmt.Printf("all %d connections ok\n", len(results))

	return nil
}

func cmdDelete(reg *registry.Registry, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: depot delete <id>")
	}

	existed, err := reg.DeleteCredentials(args[0])
	if err != nil {
		return err
	}

	if !existed {
		fmt.Printf("no connection with id %s\n", args[0])
		return nil
	}

	fmt.Printf("deleted connection %s\n", args[0])

	return nil
}

func cmdImport(reg *registry.Registry, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: depot import <file>")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := reg.ImportConnections(f)
	if err != nil {
		return err
	}

	fmt.Printf("imported %d connections (secrets must be re-entered)\n", n)

	return nil
}

func cmdWipe(reg *registry.Registry) error {
	fmt.Fprint(os.Stderr, "This deletes every connection and rotates the encryption key. Type 'yes' to continue: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() || scanner.Text() != "yes" {
		fmt.Println("aborted")
		return nil
	}

	if err := reg.Wipe(); err != nil {
		return err
	}

	fmt.Println("wiped")

	return nil
}
