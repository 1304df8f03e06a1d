package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"creatorpay/services/creatorpay/webhooks"
)

const (
	defaultServer  = "http://localhost:8080"
	tokenEnv       = "CREATORPAY_ADMIN_TOKEN"
	serverEnv      = "CREATORPAY_SERVER"
	webhookSecEnv  = "CREATORPAY_WEBHOOK_SECRET"
	requestTimeout = 30 * time.Second
)

type env struct {
	stdout   io.Writer
	stderr   io.Writer
	getenv   func(string) string
	prompt   func(label string) (string, error)
	client   *http.Client
	now      func() time.Time
	readFile func(string) ([]byte, error)
}

func main() {
	e := env{
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		getenv:   os.Getenv,
		prompt:   promptSecret,
		client:   &http.Client{Timeout: requestTimeout},
		now:      time.Now,
		readFile: os.ReadFile,
	}
	if err := run(os.Args[1:], e); err != nil {
		fmt.Fprintf(os.Stderr, "creatorpayctl: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: creatorpayctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  pause                  pause payouts")
	fmt.Fprintln(w, "  resume                 resume payouts")
	fmt.Fprintln(w, "  status                 show payout controls")
	fmt.Fprintln(w, "  accounts [-limit N]    list connected accounts")
	fmt.Fprintln(w, "  delete-account <id>    remove a connected account")
	fmt.Fprintln(w, "  recon [-start -end -dry-run]")
	fmt.Fprintln(w, "                         run a reconciliation window")
	fmt.Fprintln(w, "  events [-limit N]      list recent webhook deliveries")
	fmt.Fprintln(w, "  sign-webhook -payload FILE [-post]")
	fmt.Fprintln(w, "                         sign a payload with the webhook secret")
}

var errUsage = errors.New("invalid usage")

func run(args []string, e env) error {
	if len(args) == 0 {
		usage(e.stderr)
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "pause":
		return adminCall(e, cmd, rest, http.MethodPost, "/admin/payouts/pause", nil)
	case "resume":
		return adminCall(e, cmd, rest, http.MethodPost, "/admin/payouts/resume", nil)
	case "status":
		return adminCall(e, cmd, rest, http.MethodGet, "/admin/payouts/status", nil)
	case "accounts", "events":
		fs := newFlagSet(cmd, e)
		limit := fs.Int("limit", 0, "maximum number of rows")
		common := bindCommon(fs, e)
		if err := fs.Parse(rest); err != nil {
			return err
		}
		q := url.Values{}
		if *limit > 0 {
			q.Set("limit", fmt.Sprint(*limit))
		}
		path := "/admin/accounts"
		if cmd == "events" {
			path = "/admin/webhooks/events"
		}
		return common.do(e, http.MethodGet, path, q)
	case "delete-account":
		fs := newFlagSet(cmd, e)
		common := bindCommon(fs, e)
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("%w: delete-account requires an account id", errUsage)
		}
		return common.do(e, http.MethodDelete, "/admin/accounts/"+url.PathEscape(fs.Arg(0)), nil)
	case "recon":
		fs := newFlagSet(cmd, e)
		start := fs.String("start", "", "window start (RFC3339)")
		end := fs.String("end", "", "window end (RFC3339)")
		dryRun := fs.Bool("dry-run", false, "detect anomalies without writing reports")
		common := bindCommon(fs, e)
		if err := fs.Parse(rest); err != nil {
			return err
		}
		q := url.Values{}
		for key, raw := range map[string]string{"start": *start, "end": *end} {
			if raw == "" {
				continue
			}
			if _, err := time.Parse(time.RFC3339, raw); err != nil {
				return fmt.Errorf("-%s: %w", key, err)
			}
			q.Set(key, raw)
		}
		if *dryRun {
			q.Set("dryRun", "true")
		}
		return common.do(e, http.MethodPost, "/admin/recon/run", q)
	case "sign-webhook":
		return signWebhook(rest, e)
	case "help", "-h", "--help":
		usage(e.stdout)
		return nil
	default:
		usage(e.stderr)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func newFlagSet(name string, e env) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

type commonFlags struct {
	server *string
	token  *string
}

func bindCommon(fs *flag.FlagSet, e env) commonFlags {
	server := e.getenv(serverEnv)
	if server == "" {
		server = defaultServer
	}
	return commonFlags{
		server: fs.String("server", server, "creatorpayd base URL"),
		token:  fs.String("token", "", "admin bearer token (defaults to $"+tokenEnv+")"),
	}
}

func adminCall(e env, name string, args []string, method, path string, q url.Values) error {
	fs := newFlagSet(name, e)
	common := bindCommon(fs, e)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return common.do(e, method, path, q)
}

func (c commonFlags) resolveToken(e env) (string, error) {
	if token := strings.TrimSpace(*c.token); token != "" {
		return token, nil
	}
	if token := strings.TrimSpace(e.getenv(tokenEnv)); token != "" {
		return token, nil
	}
	if e.prompt == nil {
		return "", fmt.Errorf("admin token required: set $%s or pass -token", tokenEnv)
	}
	return e.prompt("Admin token: ")
}

func (c commonFlags) do(e env, method, path string, q url.Values) error {
	token, err := c.resolveToken(e)
	if err != nil {
		return err
	}
	target := strings.TrimRight(*c.server, "/") + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return send(e, req)
}

func send(e env, req *http.Request) error {
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if err := printJSON(e.stdout, body); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func printJSON(w io.Writer, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		_, err = w.Write(body)
		return err
	}
	pretty.WriteByte('\n')
	_, err := pretty.WriteTo(w)
	return err
}

func signWebhook(args []string, e env) error {
	fs := newFlagSet("sign-webhook", e)
	payloadPath := fs.String("payload", "", "path to the event JSON")
	secret := fs.String("secret", "", "webhook signing secret (defaults to $"+webhookSecEnv+")")
	post := fs.Bool("post", false, "deliver the signed payload to the server")
	common := bindCommon(fs, e)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *payloadPath == "" {
		return fmt.Errorf("%w: -payload is required", errUsage)
	}
	key := strings.TrimSpace(*secret)
	if key == "" {
		key = strings.TrimSpace(e.getenv(webhookSecEnv))
	}
	if key == "" {
		return fmt.Errorf("webhook secret required: set $%s or pass -secret", webhookSecEnv)
	}
	payload, err := e.readFile(*payloadPath)
	if err != nil {
		return err
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%s is not valid JSON", *payloadPath)
	}
	header := webhooks.Sign(key, e.now(), payload)
	if !*post {
		fmt.Fprintln(e.stdout, header)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(*common.server, "/")+"/webhooks/processor", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhooks.SignatureHeader, header)
	return send(e, req)
}

func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("admin token required: set $%s or pass -token", tokenEnv)
	}
	fmt.Fprint(os.Stderr, label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errors.New("empty admin token")
	}
	return token, nil
}
