package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/ammiranda/treeext/internal/app"
	"github.com/ammiranda/treeext/models"

	"github.com/spf13/cobra"
)

var classesCmd = &cobra.Command{
	Use:   "classes",
	Short: "List the configured tree classes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *app.Service) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CLASS\tSTRATEGY\tTABLE")
			for _, c := range svc.Classes() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.Class, c.Strategy, c.Table)
			}
			return w.Flush()
		})
	},
}

// ErrInvalidTree is returned by verify when violations were found.
var ErrInvalidTree = fmt.Errorf("tree has violations")

var verifyCmd = &cobra.Command{
	Use:   "verify <class>",
	Short: "Check the stored structure of a tree class",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *app.Service) error {
			violations, err := svc.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(violations) == 0 {
				fmt.Fprintf(out, "%s: valid\n", args[0])
				return nil
			}
			for _, v := range violations {
				fmt.Fprintln(out, v.String())
			}
			return fmt.Errorf("%w: %s has %d", ErrInvalidTree, args[0], len(violations))
		})
	},
}

var hierarchyCmd = &cobra.Command{
	Use:   "hierarchy <class>",
	Short: "Print the hierarchy of a tree class",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetInt64("node")
		direct, _ := cmd.Flags().GetBool("direct")
		include, _ := cmd.Flags().GetBool("include-node")
		sortField, _ := cmd.Flags().GetString("sort")
		dir, _ := cmd.Flags().GetString("dir")
		asJSON, _ := cmd.Flags().GetBool("json")

		req := app.ListRequest{Direct: direct, IncludeNode: include, SortField: sortField, SortDir: dir}
		if node > 0 {
			req.NodeID = &node
		}
		return withService(cmd, func(svc *app.Service) error {
			nodes, err := svc.Hierarchy(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(nodes)
			}
			label, _ := cmd.Flags().GetString("label")
			printTree(cmd, nodes, label, 0)
			return nil
		})
	},
}

func init() {
	hierarchyCmd.Flags().Int64("node", 0, "Start below this node instead of the whole forest")
	hierarchyCmd.Flags().Bool("direct", false, "Only direct children")
	hierarchyCmd.Flags().Bool("include-node", false, "Include the start node")
	hierarchyCmd.Flags().String("sort", "", "Field siblings are sorted by")
	hierarchyCmd.Flags().String("dir", "asc", "Sort direction, asc or desc")
	hierarchyCmd.Flags().String("label", "", "Field printed for each node")
	hierarchyCmd.Flags().Bool("json", false, "Print JSON")
}

func printTree(cmd *cobra.Command, nodes []*models.TreeNode, label string, depth int) {
	for _, n := range nodes {
		text := fmt.Sprintf("#%d", n.ID)
		if v, ok := n.Fields[label]; ok && label != "" {
			text = fmt.Sprintf("%s %v", text, v)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", strings.Repeat("  ", depth), text)
		printTree(cmd, n.Children, label, depth+1)
	}
}

func withService(cmd *cobra.Command, fn func(*app.Service) error) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	svc, cleanup, err := app.Build(cmd.Context(), s)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(svc)
}
