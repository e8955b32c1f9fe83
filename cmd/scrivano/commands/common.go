package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/scrivanolabs/scrivano/internal/action"
	"github.com/scrivanolabs/scrivano/internal/blobstore"
	"github.com/scrivanolabs/scrivano/internal/build"
	"github.com/scrivanolabs/scrivano/internal/capability"
	"github.com/scrivanolabs/scrivano/internal/config"
	"github.com/scrivanolabs/scrivano/internal/db"
	"github.com/scrivanolabs/scrivano/internal/mailclient"
	"github.com/scrivanolabs/scrivano/internal/store"
)

// getConfig loads the configuration, applying the global flag overrides.
func getConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	return cfg, nil
}

// getStore opens the database and returns a store instance plus a close
// function.
func getStore() (*store.SQLiteStore, func(), error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, nil, err
	}

	sqlDB, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w",
			err)
	}

	log := build.DiscardLogger()
	if err := db.ApplyMigrations(sqlDB, log); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to apply migrations: %w",
			err)
	}

	return store.NewSQLiteStore(sqlDB), func() { sqlDB.Close() }, nil
}

// getExecutor builds an executor over the passed store, wiring the
// capability handlers the configuration supports. Logging goes to stderr
// so stdout stays clean for command output.
func getExecutor(st store.Store) (*action.Executor, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, err
	}

	log, _, err := build.SetupLogging(
		build.ParseLevel(cfg.Logging.Level), nil,
	)
	if err != nil {
		return nil, err
	}

	var handlers []action.Handler
	handlers = append(handlers, capability.NewTagHandler(st))

	if cfg.SMTP.Host != "" {
		sender := mailclient.NewSMTPClient(mailclient.SMTPConfig{
			Host:        cfg.SMTP.Host,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			UseTLS:      cfg.SMTP.UseTLS,
			UseStartTLS: cfg.SMTP.UseStartTLS,
			TLSVerify:   cfg.SMTP.TLSVerify,
		}, log)

		handlers = append(handlers,
			capability.NewForwardHandler(sender, cfg.SMTP.From),
			capability.NewCalendarHandler(sender, cfg.SMTP.From),
		)
	}

	if cfg.IMAP.Host != "" {
		appender := mailclient.NewIMAPClient(mailclient.IMAPConfig{
			Host:      cfg.IMAP.Host,
			Username:  cfg.IMAP.Username,
			Password:  cfg.IMAP.Password,
			Mailbox:   cfg.IMAP.Mailbox,
			TLSVerify: cfg.IMAP.TLSVerify,
		}, log)

		handlers = append(handlers, capability.NewDraftHandler(
			appender, cfg.SMTP.From, log,
		))
	}

	if cfg.Storage.Endpoint != "" {
		blobs, err := blobstore.NewS3Store(blobstore.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create blob "+
				"store: %w", err)
		}

		handlers = append(handlers, capability.NewUploadHandler(
			blobs, log,
		))
	}

	return action.NewExecutor(action.ExecutorConfig{
		BatchSize:      cfg.Executor.BatchSize,
		HandlerTimeout: cfg.Executor.HandlerTimeout.Duration,
	}, st, action.NewRegistry(handlers...), log), nil
}

// parseID parses a positional numeric ID argument.
func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s ID %q", what, arg)
	}

	return id, nil
}

// readJSONArg resolves a flag value that is either inline JSON or, with a
// leading @, the path of a file holding the JSON.
func readJSONArg(v string) ([]byte, error) {
	if strings.HasPrefix(v, "@") {
		data, err := os.ReadFile(v[1:])
		if err != nil {
			return nil, err
		}
		return data, nil
	}

	return []byte(v), nil
}

// formatRule formats a rule for list output.
func formatRule(r store.Rule) string {
	var sb strings.Builder

	state := "active"
	if !r.Active {
		state = "inactive"
	}

	sb.WriteString(fmt.Sprintf("#%d: %s [%s, priority %d]\n",
		r.ID, r.Name, state, r.Priority))
	sb.WriteString(fmt.Sprintf("  Applied: %d times", r.TimesApplied))
	if r.LastAppliedAt != nil {
		sb.WriteString(fmt.Sprintf(", last %s",
			r.LastAppliedAt.Format(time.RFC3339)))
	}
	sb.WriteString("\n")

	return sb.String()
}

// formatRuleFull formats a rule with its full definition.
func formatRuleFull(r store.Rule) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Rule #%d\n", r.ID))
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString(fmt.Sprintf("Name: %s\n", r.Name))
	if r.Description != "" {
		sb.WriteString(fmt.Sprintf("Description: %s\n",
			r.Description))
	}
	sb.WriteString(fmt.Sprintf("Active: %t\n", r.Active))
	sb.WriteString(fmt.Sprintf("Priority: %d\n", r.Priority))
	sb.WriteString(fmt.Sprintf("Applied: %d times\n", r.TimesApplied))
	if r.LastAppliedAt != nil {
		sb.WriteString(fmt.Sprintf("Last applied: %s\n",
			r.LastAppliedAt.Format(time.RFC3339)))
	}
	sb.WriteString(strings.Repeat("-", 60) + "\n")
	sb.WriteString("Condition:\n" + indentJSON(r.ConditionJSON) + "\n")
	sb.WriteString("Actions:\n" + indentJSON(r.ActionsJSON) + "\n")

	return sb.String()
}

// formatAction formats an action for list output.
func formatAction(a store.Action) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("#%d: %s [%s] record=%d",
		a.ID, a.Type, a.State, a.RecordID))
	if a.RuleID != nil {
		sb.WriteString(fmt.Sprintf(" rule=%d", *a.RuleID))
	}
	if a.AttemptCount > 0 {
		sb.WriteString(fmt.Sprintf(" attempts=%d", a.AttemptCount))
	}
	sb.WriteString("\n")
	if a.LastError != "" {
		sb.WriteString(fmt.Sprintf("  Error: %s\n", a.LastError))
	}

	return sb.String()
}

// formatActionFull formats an action with params and result.
func formatActionFull(a store.Action) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Action #%d\n", a.ID))
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString(fmt.Sprintf("Type: %s\n", a.Type))
	sb.WriteString(fmt.Sprintf("State: %s\n", a.State))
	sb.WriteString(fmt.Sprintf("Record: %d\n", a.RecordID))
	if a.RuleID != nil {
		sb.WriteString(fmt.Sprintf("Rule: %d\n", *a.RuleID))
	}
	sb.WriteString(fmt.Sprintf("Attempts: %d\n", a.AttemptCount))
	sb.WriteString(fmt.Sprintf("Created: %s\n",
		a.CreatedAt.Format(time.RFC3339)))
	if a.ClaimedAt != nil {
		sb.WriteString(fmt.Sprintf("Claimed: %s\n",
			a.ClaimedAt.Format(time.RFC3339)))
	}
	if a.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("Completed: %s\n",
			a.CompletedAt.Format(time.RFC3339)))
	}
	if a.LastError != "" {
		sb.WriteString(fmt.Sprintf("Last error: %s\n", a.LastError))
	}
	sb.WriteString(strings.Repeat("-", 60) + "\n")
	sb.WriteString("Params:\n" + indentJSON(a.ParamsJSON) + "\n")
	if a.ResultJSON != "" {
		sb.WriteString("Result:\n" + indentJSON(a.ResultJSON) + "\n")
	}

	return sb.String()
}

// formatRecord formats a record for list output.
func formatRecord(r store.Record) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("#%d: %s\n", r.ID, r.Subject))
	sb.WriteString(fmt.Sprintf("  From: %s | %s\n",
		r.Sender, r.ReceivedAt.Format(time.RFC3339)))
	if r.Category != "" {
		sb.WriteString(fmt.Sprintf("  Category: %s\n", r.Category))
	}

	return sb.String()
}

// indentJSON pretty prints a JSON blob for display, falling back to the
// raw text when it does not parse.
func indentJSON(raw string) string {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "  " + raw
	}

	data, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return "  " + raw
	}

	return "  " + string(data)
}

// outputJSON outputs data as JSON.
func outputJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
