package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/promptd/internal/config"
	"github.com/kalambet/promptd/internal/storage"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <prompt> [prompt...]",
	Short: "Queue prompts for processing",
	Long: `Queue one or more prompts for processing.

Examples:
  promptd submit "Rewrite the introduction in a formal tone"
  promptd submit --session 4f1c... --priority 2 "Fix the summary table"
  promptd submit --target section --section "Conclusion" "Shorten this section"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		priority, _ := cmd.Flags().GetInt("priority")
		targetType, _ := cmd.Flags().GetString("target")
		targetFile, _ := cmd.Flags().GetString("file")
		targetLines, _ := cmd.Flags().GetString("lines")
		targetSection, _ := cmd.Flags().GetString("section")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if sessionID == "" {
			resp, err := client.post(cmd.Context(), "/sessions", map[string]any{})
			if err != nil {
				return err
			}
			var created struct {
				SessionID string `json:"sessionId"`
			}
			if err := decodeJSON(resp, &created); err != nil {
				return err
			}
			sessionID = created.SessionID
			printStep("Created session %s", sessionID)
		}

		prompts := make([]map[string]any, len(args))
		for i, content := range args {
			p := map[string]any{
				"content":  content,
				"priority": priority,
			}
			if targetType != "" {
				tt, err := parseTargetType(targetType)
				if err != nil {
					return err
				}
				p["targetType"] = tt
			}
			if targetFile != "" {
				p["targetFileId"] = targetFile
			}
			if targetLines != "" {
				p["targetLines"] = targetLines
			}
			if targetSection != "" {
				p["targetSection"] = targetSection
			}
			prompts[i] = p
		}

		resp, err := client.post(cmd.Context(), "/prompts", map[string]any{
			"sessionId": sessionID,
			"prompts":   prompts,
		})
		if err != nil {
			return err
		}

		var result struct {
			Prompts       []json.RawMessage `json:"prompts"`
			EstimatedTime int               `json:"estimatedTime"`
			Status        string            `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %d prompt(s) in session %s (~%ds)", len(result.Prompts), sessionID, result.EstimatedTime)
		return nil
	},
}

func parseTargetType(s string) (string, error) {
	switch strings.ToLower(s) {
	case "global":
		return storage.TargetGlobal, nil
	case "file":
		return storage.TargetFileSpecific, nil
	case "lines":
		return storage.TargetLineSpecific, nil
	case "section":
		return storage.TargetSection, nil
	}
	return "", fmt.Errorf("unknown target type %q (global, file, lines, section)", s)
}

func init() {
	submitCmd.Flags().String("session", "", "session to queue into (created when omitted)")
	submitCmd.Flags().Int("priority", 1, "prompt priority (lower runs first)")
	submitCmd.Flags().String("target", "", "target type: global, file, lines, or section")
	submitCmd.Flags().String("file", "", "target file id")
	submitCmd.Flags().String("lines", "", "target line range, e.g. 10-25")
	submitCmd.Flags().String("section", "", "target section name")
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session <id>",
	Short: "Show session processing status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/status/"+args[0])
		if err != nil {
			return err
		}

		var status struct {
			Status   string `json:"status"`
			Progress struct {
				Total      int `json:"total"`
				Completed  int `json:"completed"`
				Processing int `json:"processing"`
				Pending    int `json:"pending"`
				Failed     int `json:"failed"`
			} `json:"progress"`
			HasClarifications bool `json:"hasClarifications"`
			HasResult         bool `json:"hasResult"`
		}
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		printStatus("Status", "%s", status.Status)
		printStatus("Progress", "%d/%d completed, %d processing, %d pending, %d failed",
			status.Progress.Completed, status.Progress.Total,
			status.Progress.Processing, status.Progress.Pending, status.Progress.Failed)
		if status.HasClarifications {
			printWarning("Clarifications pending, run: promptd clarifications %s", args[0])
		}
		if status.HasResult {
			printStatus("Result", "available, run: promptd result %s", args[0])
		}
		return nil
	},
}

// --- clarifications ---

var clarificationsCmd = &cobra.Command{
	Use:   "clarifications <session-id>",
	Short: "List or answer pending clarification questions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		respond, _ := cmd.Flags().GetString("respond")
		answer, _ := cmd.Flags().GetString("answer")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if respond != "" {
			if answer == "" {
				return fmt.Errorf("--answer is required with --respond")
			}
			resp, err := client.post(cmd.Context(), "/clarifications/respond", map[string]string{
				"sessionId":       args[0],
				"clarificationId": respond,
				"response":        answer,
			})
			if err != nil {
				return err
			}
			var result struct {
				PromptID string `json:"promptId"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			printSuccess("Resolved, prompt %s requeued", result.PromptID)
			return nil
		}

		resp, err := client.get(cmd.Context(), "/clarifications/"+args[0])
		if err != nil {
			return err
		}

		var result struct {
			Clarifications []struct {
				ID       string `json:"id"`
				PromptID string `json:"promptId"`
				Question string `json:"question"`
			} `json:"clarifications"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Clarifications) == 0 {
			fmt.Println("No pending clarifications.")
			return nil
		}

		for _, c := range result.Clarifications {
			fmt.Printf("\n%s (prompt %s)\n", colorize(colorBold, c.ID), c.PromptID[:8])
			fmt.Printf("  %s\n", c.Question)
		}
		fmt.Printf("\nAnswer with: promptd clarifications %s --respond <id> --answer \"...\"\n", args[0])
		return nil
	},
}

func init() {
	clarificationsCmd.Flags().String("respond", "", "clarification id to answer")
	clarificationsCmd.Flags().String("answer", "", "answer text")
}

// --- result ---

var resultCmd = &cobra.Command{
	Use:   "result <session-id>",
	Short: "Fetch, confirm, or regenerate the session result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		regenerate, _ := cmd.Flags().GetBool("regenerate")
		if confirm && regenerate {
			return fmt.Errorf("--confirm and --regenerate are mutually exclusive")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/result/"+args[0])
		if err != nil {
			return err
		}

		var result struct {
			ID      string `json:"id"`
			Version int    `json:"version"`
			Status  string `json:"status"`
			Content string `json:"content"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		switch {
		case confirm:
			confirmResp, err := client.post(cmd.Context(), "/result/confirm", map[string]string{
				"resultId": result.ID,
				"action":   "confirm",
			})
			if err != nil {
				return err
			}
			var confirmed struct {
				Version int `json:"version"`
			}
			if err := decodeJSON(confirmResp, &confirmed); err != nil {
				return err
			}
			printSuccess("Confirmed result v%d", confirmed.Version)

		case regenerate:
			regenResp, err := client.post(cmd.Context(), "/result/confirm", map[string]string{
				"resultId": result.ID,
				"action":   "regenerate",
			})
			if err != nil {
				return err
			}
			var regen struct {
				Status string `json:"status"`
			}
			if err := decodeJSON(regenResp, &regen); err != nil {
				return err
			}
			printSuccess("Regeneration queued, all prompts will re-run")

		default:
			printStatus("Version", "%d (%s)", result.Version, result.Status)
			fmt.Fprintln(os.Stdout, result.Content)
		}
		return nil
	},
}

func init() {
	resultCmd.Flags().Bool("confirm", false, "confirm the current version")
	resultCmd.Flags().Bool("regenerate", false, "discard the current version and re-run all prompts")
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
