package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kovel/docchat/internal/config"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.pdf>",
	Short: "Upload a PDF document for ingestion",
	Long: `Upload a PDF document for ingestion.

Examples:
  docchat ingest ./report.pdf
  docchat ingest ./report.pdf --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		resp, err := client.upload(ctx, "/documents", args[0])
		if err != nil {
			return err
		}

		var doc map[string]any
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		id, _ := doc["id"].(string)
		status, _ := doc["status"].(string)
		if status == "ready" {
			printSuccess("Document %s already ingested", id)
			return nil
		}
		printSuccess("Queued document %s", id)

		if !wait {
			return nil
		}

		printStep("Waiting for ingestion...")
		final, err := client.pollDocument(ctx, id, 5*time.Minute)
		if err != nil {
			return err
		}
		if s, _ := final["status"].(string); s != "ready" {
			return fmt.Errorf("ingestion failed: %v", final["error"])
		}
		printSuccess("Document ready (%v pages, %v chunks)", final["page_count"], final["chunk_count"])
		return nil
	},
}

func init() {
	ingestCmd.Flags().Bool("wait", false, "wait for ingestion to complete")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <document-id> <question>",
	Short: "Ask a question about a document",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		question := strings.Join(args[1:], " ")
		sources, _ := cmd.Flags().GetBool("sources")
		noStream, _ := cmd.Flags().GetBool("no-stream")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if noStream || sources {
			return askOnce(ctx, client, id, question, sources)
		}
		return askStreaming(ctx, client, id, question)
	},
}

func askOnce(ctx context.Context, client *apiClient, id, question string, showSources bool) error {
	resp, err := client.post(ctx, "/documents/"+id+"/chat", map[string]any{"question": question})
	if err != nil {
		return err
	}

	var result struct {
		Answer  string `json:"answer"`
		Sources []struct {
			Index int     `json:"index"`
			Score float32 `json:"score"`
			Text  string  `json:"text"`
		} `json:"sources"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	fmt.Println(result.Answer)

	if showSources && len(result.Sources) > 0 {
		fmt.Println()
		for _, s := range result.Sources {
			fmt.Printf("%s\n", colorize(colorBold, fmt.Sprintf("[Excerpt %d, score %.2f]", s.Index+1, s.Score)))
			text := s.Text
			if len(text) > 300 {
				text = text[:300] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
	}
	return nil
}

func askStreaming(ctx context.Context, client *apiClient, id, question string) error {
	resp, err := client.post(ctx, "/documents/"+id+"/chat", map[string]any{"question": question, "stream": true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var buf strings.Builder
		bufio.NewReader(resp.Body).WriteTo(&buf)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, buf.String())
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var event struct {
			Delta string `json:"delta"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		if event.Error != "" {
			fmt.Println()
			return fmt.Errorf("chat failed: %s", event.Error)
		}
		fmt.Print(event.Delta)
	}
	fmt.Println()
	return scanner.Err()
}

func init() {
	askCmd.Flags().Bool("sources", false, "show the retrieved excerpts behind the answer")
	askCmd.Flags().Bool("no-stream", false, "wait for the full answer instead of streaming")
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage ingested documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents?limit=%d", limit))
		if err != nil {
			return err
		}

		var docs []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			Status     string `json:"status"`
			PageCount  int    `json:"page_count"`
			ChunkCount int    `json:"chunk_count"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, d := range docs {
			status := d.Status
			if !noColor {
				switch d.Status {
				case "ready":
					status = colorize(colorGreen, d.Status)
				case "failed":
					status = colorize(colorRed, d.Status)
				default:
					status = colorize(colorYellow, d.Status)
				}
			}
			fmt.Printf("%s  %-10s  %3dp %4dc  %s\n",
				colorize(colorCyan, d.ID[:8]), status, d.PageCount, d.ChunkCount, d.Name)
		}
		return nil
	},
}

var docsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single document as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}

		var doc any
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its chat history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

var docsMessagesCmd = &cobra.Command{
	Use:   "messages <id>",
	Short: "Show a document's chat history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents/%s/messages?limit=%d", args[0], limit))
		if err != nil {
			return err
		}

		var msgs []struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, m := range msgs {
			role := m.Role
			if m.Role == "user" {
				role = colorize(colorCyan, m.Role)
			}
			fmt.Printf("%s [%s]\n%s\n\n", role, m.CreatedAt, m.Content)
		}
		return nil
	},
}

func init() {
	docsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	docsMessagesCmd.Flags().Int("limit", 50, "maximum number of messages to show")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsShowCmd)
	docsCmd.AddCommand(docsDeleteCmd)
	docsCmd.AddCommand(docsMessagesCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
