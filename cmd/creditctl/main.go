// creditctl is the admin CLI for a running creditd. It drives the daemon's
// admin endpoints: reconciliation runs, cache management, legacy migration.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: creditctl [flags] <command>

Commands:
  audit        run a reconciliation pass (-dry-run, -user)
  cache-warm   pre-populate the balance cache
  cache-clear  drop cached entries (-user limits to one user)
  migrate      import a user's legacy balance (-user required)

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8090", "creditd base URL")
	token := flag.String("token", os.Getenv("CREDITD_ADMIN_TOKEN"), "admin token")
	user := flag.String("user", "", "restrict the command to one user")
	dryRun := flag.Bool("dry-run", false, "audit: report findings without correcting")
	timeout := flag.Duration("timeout", 2*time.Minute, "request timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	c := &client{
		base:  *addr,
		token: *token,
		http:  &http.Client{Timeout: *timeout},
	}

	var err error
	switch flag.Arg(0) {
	case "audit":
		err = c.audit(*dryRun, *user)
	case "cache-warm":
		err = c.cacheWarm()
	case "cache-clear":
		err = c.cacheClear(*user)
	case "migrate":
		if *user == "" {
			fmt.Fprintln(os.Stderr, "migrate requires -user")
			os.Exit(2)
		}
		err = c.migrate(*user)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "creditctl: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) post(path string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var errPayload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errPayload) == nil && errPayload.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, errPayload.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	return data, nil
}

func (c *client) audit(dryRun bool, user string) error {
	data, err := c.post("/admin/audit", map[string]any{"dry_run": dryRun, "user_id": user})
	if err != nil {
		return err
	}
	var report struct {
		UsersChecked int `json:"users_checked"`
		Findings     []struct {
			UserID        string `json:"user_id"`
			Type          string `json:"type"`
			StoredCents   int64  `json:"stored_cents"`
			ExpectedCents int64  `json:"expected_cents"`
			TransactionID string `json:"transaction_id"`
			Corrected     bool   `json:"corrected"`
		} `json:"findings"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return err
	}
	fmt.Printf("users checked: %d, findings: %d\n", report.UsersChecked, len(report.Findings))
	for _, f := range report.Findings {
		switch f.Type {
		case "balance_drift":
			fmt.Printf("  %s drift: stored=%d expected=%d corrected=%v\n",
				f.UserID, f.StoredCents, f.ExpectedCents, f.Corrected)
		case "duplicate_welcome_bonus":
			fmt.Printf("  %s duplicate bonus tx=%s corrected=%v\n",
				f.UserID, f.TransactionID, f.Corrected)
		default:
			fmt.Printf("  %s %s corrected=%v\n", f.UserID, f.Type, f.Corrected)
		}
	}
	return nil
}

func (c *client) cacheWarm() error {
	data, err := c.post("/admin/cache/warm", nil)
	if err != nil {
		return err
	}
	var out struct {
		Warmed int `json:"warmed"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	fmt.Printf("warmed %d accounts\n", out.Warmed)
	return nil
}

func (c *client) cacheClear(user string) error {
	path := "/admin/cache/clear"
	if user != "" {
		path += "?user_id=" + url.QueryEscape(user)
	}
	if _, err := c.post(path, nil); err != nil {
		return err
	}
	if user != "" {
		fmt.Printf("cleared cache for %s\n", user)
	} else {
		fmt.Println("cleared cache")
	}
	return nil
}

func (c *client) migrate(user string) error {
	data, err := c.post("/admin/migrate", map[string]any{"user_id": user})
	if err != nil {
		return err
	}
	var out struct {
		Migrated bool `json:"migrated"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	if out.Migrated {
		fmt.Printf("migrated legacy balance for %s\n", user)
	} else {
		fmt.Printf("nothing to migrate for %s (already migrated or zero balance)\n", user)
	}
	return nil
}
