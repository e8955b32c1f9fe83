package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrivanolabs/scrivano/internal/store"
)

// recordsCmd is the parent command for record subcommands.
var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and ingest message records",
	Long: `Inspect the snapshots of ingested messages, or ingest one by
hand for testing rules against it.`,
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested records",
	RunE:  runRecordsList,
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <record_id>",
	Short: "Show a record in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordsShow,
}

var recordsIngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a record by hand",
	Long: `Insert a record snapshot directly. Useful for trying out rules
without a live mail pipeline. --interpretation accepts inline JSON or
@path to read a file.`,
	RunE: runRecordsIngest,
}

var (
	recordsLimit  int
	recordsOffset int

	ingestMessageID      string
	ingestAccount        string
	ingestSender         string
	ingestRecipient      string
	ingestSubject        string
	ingestBody           string
	ingestCategory       string
	ingestInterpretation string
)

func init() {
	recordsListCmd.Flags().IntVar(&recordsLimit, "limit", 50,
		"Maximum number of records to list")
	recordsListCmd.Flags().IntVar(&recordsOffset, "offset", 0,
		"Number of records to skip")

	recordsIngestCmd.Flags().StringVar(&ingestMessageID,
		"message-id", "", "Message-ID header value (required)")
	recordsIngestCmd.Flags().StringVar(&ingestAccount, "account", "",
		"Receiving account address")
	recordsIngestCmd.Flags().StringVar(&ingestSender, "from", "",
		"Sender address")
	recordsIngestCmd.Flags().StringVar(&ingestRecipient, "to", "",
		"Recipient address")
	recordsIngestCmd.Flags().StringVar(&ingestSubject, "subject", "",
		"Message subject")
	recordsIngestCmd.Flags().StringVar(&ingestBody, "body", "",
		"Plain text body")
	recordsIngestCmd.Flags().StringVar(&ingestCategory, "category",
		"", "Classifier category")
	recordsIngestCmd.Flags().StringVar(&ingestInterpretation,
		"interpretation", "",
		"Interpretation object as JSON or @file")
	recordsIngestCmd.MarkFlagRequired("message-id")

	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsShowCmd)
	recordsCmd.AddCommand(recordsIngestCmd)
}

func runRecordsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := st.ListRecords(ctx, recordsLimit, recordsOffset)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(records)
	}

	if len(records) == 0 {
		fmt.Println("No records.")
		return nil
	}

	for _, r := range records {
		fmt.Print(formatRecord(r))
	}

	return nil
}

func runRecordsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := parseID(args[0], "record")
	if err != nil {
		return err
	}

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	r, err := st.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(r)
	}

	fmt.Printf("Record #%d\n", r.ID)
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Message-ID: %s\n", r.MessageID)
	fmt.Printf("Account: %s\n", r.Account)
	fmt.Printf("From: %s\n", r.Sender)
	fmt.Printf("To: %s\n", r.Recipient)
	fmt.Printf("Subject: %s\n", r.Subject)
	if r.Category != "" {
		fmt.Printf("Category: %s\n", r.Category)
	}
	fmt.Printf("Received: %s\n", r.ReceivedAt.Format(time.RFC3339))
	if r.InterpretationJSON != "" {
		fmt.Println("Interpretation:")
		fmt.Println(indentJSON(r.InterpretationJSON))
	}
	if r.AttachmentsJSON != "" && r.AttachmentsJSON != "[]" {
		fmt.Println("Attachments:")
		fmt.Println(indentJSON(r.AttachmentsJSON))
	}
	fmt.Println(strings.Repeat("-", 60))
	fmt.Println(r.BodyText)

	return nil
}

func runRecordsIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	interpretationJSON := ""
	if ingestInterpretation != "" {
		data, err := readJSONArg(ingestInterpretation)
		if err != nil {
			return fmt.Errorf("invalid interpretation: %w", err)
		}

		// Must be a JSON object; anything else would poison field
		// resolution later.
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("interpretation must be a JSON "+
				"object: %w", err)
		}
		interpretationJSON = string(data)
	}

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	created, err := st.CreateRecord(ctx, store.CreateRecordParams{
		MessageID:          ingestMessageID,
		Account:            ingestAccount,
		Sender:             ingestSender,
		Recipient:          ingestRecipient,
		Subject:            ingestSubject,
		BodyText:           ingestBody,
		Category:           ingestCategory,
		ReceivedAt:         time.Now().UTC(),
		AttachmentsJSON:    "[]",
		InterpretationJSON: interpretationJSON,
	})
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(created)
	}

	fmt.Printf("Record #%d ingested.\n", created.ID)

	return nil
}
