package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/xela07ax/capi-tool-gateway/internal/engine"
	"github.com/xela07ax/capi-tool-gateway/internal/transport/mcpserver"
)

var (
	toolsJSON     bool
	toolsTag      string
	toolsListTags bool
)

func init() {
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(callCmd)
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "Print full definitions as JSON")
	toolsCmd.Flags().StringVar(&toolsTag, "tag", "", "Only tools with this tag")
	toolsCmd.Flags().BoolVar(&toolsListTags, "tags", false, "Print the known tags and exit")
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tool catalog with safety tiers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = a.shutdown(context.Background()) }()

		tags := a.catalog.Tags()
		if toolsListTags {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(tags, "\n"))
			return nil
		}
		if err := checkTag(toolsTag, tags); err != nil {
			return err
		}
		return printTools(cmd.OutOrStdout(), a.dispatcher.Tools(), toolsTag, toolsJSON)
	},
}

var callCmd = &cobra.Command{
	Use:   "call <tool> [json-args]",
	Short: "Invoke one tool and print the result",
	Long:  "Runs a single tool call through the full safety pipeline. Destructive tools print a confirmation challenge;\nre-run with the same arguments plus \"_confirmationToken\" to execute. Tokens live only in this process, so use the MCP or HTTP server for the confirmation flow.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		callArgs := map[string]any{}
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &callArgs); err != nil {
				return fmt.Errorf("json-args must be a JSON object: %w", err)
			}
		}

		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		res := a.dispatcher.Call(cmd.Context(), args[0], callArgs)
		if err := a.shutdown(context.Background()); err != nil {
			return err
		}

		out := mcpserver.ToResult(res)
		for _, c := range out.Content {
			if text, ok := c.(*mcpsdk.TextContent); ok {
				fmt.Fprintln(cmd.OutOrStdout(), text.Text)
			}
		}
		if res.IsError {
			os.Exit(2)
		}
		return nil
	},
}

// checkTag отсекает опечатку в --tag, иначе фильтр молча вернул бы пустой список.
func checkTag(tag string, known []string) error {
	if tag == "" {
		return nil
	}
	for _, k := range known {
		if strings.EqualFold(k, tag) {
			return nil
		}
	}
	return fmt.Errorf("unknown tag %q, known tags: %s", tag, strings.Join(known, ", "))
}

func printTools(w io.Writer, defs []engine.ToolDefinition, tag string, asJSON bool) error {
	filtered := defs[:0:0]
	for _, d := range defs {
		if tag == "" || strings.EqualFold(d.Annotations.Tag, tag) {
			filtered = append(filtered, d)
		}
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(filtered)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTIER\tMETHOD\tPATH\tTAG")
	for _, d := range filtered {
		fmt.Fprintf(tw, "%s\t%d (%s)\t%s\t%s\t%s\n",
			d.Name, int(d.Tier), d.Tier, d.Annotations.HTTPMethod, d.Annotations.APIPath, d.Annotations.Tag)
	}
	return tw.Flush()
}
