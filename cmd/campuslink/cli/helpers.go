package cli

import (
	"bufio"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/campuslink/campuslink/internal/artifact"
	"github.com/campuslink/campuslink/internal/audit"
	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/connection"
	"github.com/campuslink/campuslink/internal/credstore"
	"github.com/campuslink/campuslink/internal/db"
	"github.com/campuslink/campuslink/internal/events"
	"github.com/campuslink/campuslink/internal/logging"
	"github.com/campuslink/campuslink/internal/registry"
)

// PassphraseEnv supplies the credential store passphrase non-interactively.
const PassphraseEnv = "CAMPUSLINK_PASSPHRASE"

var (
	configPath string
	logLevel   string

	stdin = bufio.NewReader(os.Stdin)
)

// RegisterGlobalFlags adds the flags every command understands.
func RegisterGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $CAMPUSLINK_CONFIG or ~/.campuslink/config.json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, logging.NewLogger(cfg.LogLevel, "cli"), nil
}

// readSecret prompts on a terminal and reads a line otherwise, so secrets
// can be piped in.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
	}
	return string(b), nil
}

func storePassphrase() (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	return readSecret("Store passphrase")
}

// workspace holds the local databases a command works against.
type workspace struct {
	cfg     config.Config
	logger  zerolog.Logger
	stateDB *sql.DB
	auditDB *sql.DB
	audit   *audit.Logger
	store   *credstore.Store
}

// openWorkspace opens the data directory. The credential store is unlocked
// only when withStore is set, since that prompts for the passphrase.
func openWorkspace(withStore bool) (*workspace, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	w := &workspace{cfg: cfg, logger: logger}

	if w.auditDB, err = db.OpenAuditDB(cfg.DataDir); err != nil {
		return nil, err
	}
	if w.audit, err = audit.NewLogger(w.auditDB); err != nil {
		w.Close()
		return nil, err
	}
	if !withStore {
		return w, nil
	}

	if w.stateDB, err = db.OpenStateDB(cfg.DataDir); err != nil {
		w.Close()
		return nil, err
	}
	pass, err := storePassphrase()
	if err != nil {
		w.Close()
		return nil, err
	}
	if w.store, err = credstore.Open(w.stateDB, pass, w.audit); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// registry builds a registry whose connections audit their lifecycle and
// capture undecodable responses under the data directory.
func (w *workspace) registry() *registry.Registry {
	opts := []connection.Option{
		connection.WithEventSink(events.NewAuditSink(w.audit)),
		connection.WithCaptureStore(artifact.NewLocalStore(filepath.Join(w.cfg.DataDir, "captures"))),
	}
	if w.store != nil {
		opts = append(opts, connection.WithCredentialSource(w.store))
	}
	return registry.New(w.cfg.Connection, w.logger, opts...)
}

func (w *workspace) Close() {
	if w.store != nil {
		w.store.Close()
	}
	if w.stateDB != nil {
		w.stateDB.Close()
	}
	if w.auditDB != nil {
		w.auditDB.Close()
	}
}

// parsePairs turns repeated key=value flags into a map.
func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}
