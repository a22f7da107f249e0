package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"t9/internal/bot"
	"t9/internal/config"
	"t9/internal/execproto"
	"t9/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on a t9 installation",
		Long: `Verifies that the configuration, database, exec host and TLS material
are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("t9 doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			// 1. Config file
			cfgPath, err := config.Find(configPath)
			if err != nil {
				r.fail("Config file", err.Error())
				fmt.Printf("\nRun 't9 init' to create a sample configuration.\n")
				return r.result()
			}
			r.pass("Config file", cfgPath)

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.result()
			}
			r.pass("Config validation", "valid")

			// 3. Database
			if cfg.DB.Path == "" {
				r.warn("Database", "db.path not set; functions and secrets will not persist")
			} else if v, err := checkDatabase(cmd.Context(), cfg.DB.Path); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.DB.Path, v))
			}

			// 4. Exec host
			client := execproto.NewClient(execproto.ClientConfig{BaseURL: cfg.ExecServerBaseURL, Logger: logger})
			if status, err := client.Status(cmd.Context(), bot.DefaultTiming.StatusTimeout); err != nil {
				r.warn("Exec host", fmt.Sprintf("%s: %v", cfg.ExecServerBaseURL, err))
			} else {
				r.pass("Exec host", fmt.Sprintf("%s: %s", cfg.ExecServerBaseURL, status))
			}

			// 5. TLS material
			if cfg.TLS {
				for _, f := range []struct{ name, path string }{
					{"TLS CA file", cfg.TLSCAFile},
					{"TLS CA directory", cfg.TLSCADirectory},
					{"TLS client cert", cfg.TLSClientCert},
					{"TLS client key", cfg.TLSClientPrivateKey},
				} {
					if f.path == "" {
						continue
					}
					if _, err := os.Stat(f.path); err != nil {
						r.fail(f.name, err.Error())
					} else {
						r.pass(f.name, f.path)
					}
				}
				if !cfg.TLSVerify {
					r.warn("TLS verify", "certificate verification disabled")
				}
			}

			// 6. Secure base
			if cfg.SecureBase != "" {
				if info, err := os.Stat(cfg.SecureBase); err != nil {
					r.fail("Secure base", err.Error())
				} else if !info.IsDir() {
					r.fail("Secure base", "not a directory: "+cfg.SecureBase)
				} else {
					r.pass("Secure base", cfg.SecureBase)
				}
			}

			// 7. Paste endpoint
			if cfg.PastebinURL != "" {
				if u, err := url.Parse(cfg.PastebinURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
					r.fail("Paste endpoint", "not an http(s) URL: "+cfg.PastebinURL)
				} else {
					r.pass("Paste endpoint", cfg.PastebinURL)
				}
			} else {
				r.warn("Paste endpoint", "pastebin_url not set; only the last stderr line is shown")
			}

			// 8. Metrics listener
			if cfg.MetricsListen != "" {
				if err := checkListen(cfg.MetricsListen); err != nil {
					r.warn("Metrics listen", fmt.Sprintf("%s may be in use: %v", cfg.MetricsListen, err))
				} else {
					r.pass("Metrics listen", cfg.MetricsListen+" available")
				}
			}

			return r.result()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) result() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running t9.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nt9 should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! t9 is ready to run.\n")
	}
	return nil
}

// checkDatabase opens and migrates the database, returning its schema version.
func checkDatabase(ctx context.Context, dbPath string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	st, err := store.Open(ctx, dbPath, logger)
	if err != nil {
		return 0, err
	}
	defer st.Close()

	if _, err := st.DB().ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return 0, fmt.Errorf("not writable: %w", err)
	}
	st.DB().ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return store.SchemaVersion(ctx, st.DB())
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
