package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/classify"
	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/format"
)

const cliSenderID = "cli"

var classifyText string

// classifyCmd previews how the relay would tag and format a message.
var classifyCmd = &cobra.Command{
	Use:   "classify [text]",
	Short: "Classify message text offline",
	Long:  "Classifies text from arguments, --text, or one message per stdin line, and prints the notification the relay would send. No network calls are made.",
	Run: func(cmd *cobra.Command, args []string) {
		formatter := format.Formatter{}

		if text := resolveText(args); text != "" {
			fmt.Fprintln(cmd.OutOrStdout(), renderPreview(formatter, text))
			return
		}

		if err := classifyLines(cmd.InOrStdin(), cmd.OutOrStdout(), formatter); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "input error: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(classifyCmd)
	classifyCmd.Flags().StringVarP(&classifyText, "text", "t", "", "message text to classify")
}

func resolveText(args []string) string {
	if value := strings.TrimSpace(classifyText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

func classifyLines(in io.Reader, out io.Writer, formatter format.Formatter) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if isExitCommand(line) {
			return nil
		}

		fmt.Fprintln(out, renderPreview(formatter, line))
	}

	return scanner.Err()
}

func renderPreview(formatter format.Formatter, text string) string {
	return formatter.Format(classify.Classify(text), "", cliSenderID, text)
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}

