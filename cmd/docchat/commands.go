package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/docchat/internal/api"
	"github.com/kalambet/docchat/internal/config"
	"github.com/kalambet/docchat/internal/registry"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload documents to the running server",
	Long: `Upload one or more documents (PDF, text, markdown or HTML) to the
running server. Each file is indexed into the current session.

Examples:
  docchat upload ./handbook.pdf
  docchat upload notes.md faq.html --session team`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var failed int
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			printStep("Uploading %s...", filepath.Base(path))
			res, err := client.upload(cmd.Context(), filepath.Base(path), data)
			if err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			if res.Duplicate {
				printWarning("%s: %s", filepath.Base(path), res.Message)
				continue
			}
			printSuccess("%s: %s", filepath.Base(path), res.Message)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(args))
		}
		return nil
	},
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the uploaded documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/query", api.QueryRequest{Question: question})
		if err != nil {
			return err
		}

		var result api.QueryResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), result.Answer)
		if len(result.Sources) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s\n", colorize(colorBold, "Sources:"), strings.Join(result.Sources, ", "))
		}
		return nil
	},
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage uploaded documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents in the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/documents")
		if err != nil {
			return err
		}

		var docs []registry.Document
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No documents uploaded.")
			return nil
		}
		for _, d := range docs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %d chunks\n",
				colorize(colorCyan, shortID(d.ID)),
				d.Name,
				d.Chunks,
			)
		}
		return nil
	},
}

var docsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all documents and chat history from the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete all documents in the session. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents")
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Documents cleared")
		return nil
	},
}

func init() {
	docsClearCmd.Flags().Bool("confirm", false, "confirm removal")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsClearCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the chat history of the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/history")
		if err != nil {
			return err
		}

		var msgs []registry.Message
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}

		if len(msgs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No history yet.")
			return nil
		}
		for _, m := range msgs {
			label := "You"
			color := colorCyan
			if m.Role == registry.RoleAssistant {
				label = "Assistant"
				color = colorGreen
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", colorize(color, label+":"), m.Content)
		}
		return nil
	},
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
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key>",
	Short: "Store a secret (gemini.api_key, server.api_token) read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		fmt.Fprintf(os.Stderr, "Enter value for %s: ", key)
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading secret: %w", err)
		}
		value := strings.TrimSpace(line)
		if value == "" {
			return fmt.Errorf("empty value for %s", key)
		}

		if err := config.SetSecret(key, value); err != nil {
			return err
		}

		printSuccess("Stored %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
