package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/quadnix/octo-sub002/pkg/engine"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/serialize"
	"github.com/quadnix/octo-sub002/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted state documents",
		Long: `Inspect the state documents of the configured backend.

The engine persists three documents: "models", "resources.actual" and
"resources.old". A resource is dirty when it differs between the actual and
old documents, which happens when a transaction stopped before commit.`,
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateDirtyCommand())
	cmd.AddCommand(newStateDotCommand())
	cmd.AddCommand(newStateWatchCommand())

	return cmd
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the documents of the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, opened, err := openState(ctx)
			if err != nil {
				return err
			}
			defer closeState(opened)

			names, err := opened.ListStates(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), names)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// documentSummary is the output of "state show".
type documentSummary struct {
	Name            string   `json:"name"`
	Version         int      `json:"version"`
	Contexts        []string `json:"contexts"`
	Dependencies    int      `json:"dependencies"`
	Models          int      `json:"models,omitempty"`
	Anchors         int      `json:"anchors,omitempty"`
	Overlays        int      `json:"overlays,omitempty"`
	Resources       int      `json:"resources,omitempty"`
	SharedResources int      `json:"sharedResources,omitempty"`
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <document>",
		Short: "Summarize a state document",
		Example: `  octo state show models
  octo state show resources.actual --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, opened, err := openState(ctx)
			if err != nil {
				return err
			}
			defer closeState(opened)

			summary, err := summarizeDocument(ctx, opened, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), summary)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "document\t%s\n", summary.Name)
			fmt.Fprintf(w, "version\t%d\n", summary.Version)
			fmt.Fprintf(w, "contexts\t%d\n", len(summary.Contexts))
			fmt.Fprintf(w, "dependencies\t%d\n", summary.Dependencies)
			if summary.Name == engine.ModelsDocument {
				fmt.Fprintf(w, "models\t%d\n", summary.Models)
				fmt.Fprintf(w, "anchors\t%d\n", summary.Anchors)
				fmt.Fprintf(w, "overlays\t%d\n", summary.Overlays)
			} else {
				fmt.Fprintf(w, "resources\t%d\n", summary.Resources)
				fmt.Fprintf(w, "shared resources\t%d\n", summary.SharedResources)
			}
			return w.Flush()
		},
	}
}

func summarizeDocument(ctx context.Context, provider stores.StateProvider, name string) (*documentSummary, error) {
	switch name {
	case engine.ModelsDocument:
		doc, err := readModels(ctx, provider)
		if err != nil {
			return nil, err
		}
		return &documentSummary{
			Name:         name,
			Version:      doc.Version,
			Contexts:     doc.Data.Contexts(),
			Dependencies: len(doc.Data.Dependencies),
			Models:       len(doc.Data.Models),
			Anchors:      len(doc.Data.Anchors),
			Overlays:     len(doc.Data.Overlays),
		}, nil
	case engine.ActualResourcesDocument, engine.OldResourcesDocument:
		doc, err := readResources(ctx, provider, name)
		if err != nil {
			return nil, err
		}
		return &documentSummary{
			Name:            name,
			Version:         doc.Version,
			Contexts:        doc.Data.Contexts(),
			Dependencies:    len(doc.Data.Dependencies),
			Resources:       len(doc.Data.Resources),
			SharedResources: len(doc.Data.SharedResources),
		}, nil
	default:
		return nil, fmt.Errorf("unknown state document %q", name)
	}
}

func newStateDirtyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dirty",
		Short: "List resources left dirty by an uncommitted transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, opened, err := openState(ctx)
			if err != nil {
				return err
			}
			defer closeState(opened)

			actual, err := readResources(ctx, opened, engine.ActualResourcesDocument)
			if err != nil {
				return err
			}
			old, err := readResources(ctx, opened, engine.OldResourcesDocument)
			if err != nil {
				return err
			}

			ids := serialize.DirtyIDs(&actual.Data, &old.Data)
			log.Debug().Int("dirty", len(ids)).Msg("Compared resource documents")
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), ids)
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no dirty resources")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newStateDotCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dot <document>",
		Short: "Render the dependencies of a state document as Graphviz DOT",
		Example: `  octo state dot models | dot -Tsvg > models.svg`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, opened, err := openState(ctx)
			if err != nil {
				return err
			}
			defer closeState(opened)

			var out string
			switch name := args[0]; name {
			case engine.ModelsDocument:
				doc, err := readModels(ctx, opened)
				if err != nil {
					return err
				}
				out = graph.DependenciesToDOT(doc.Data.Contexts(), doc.Data.Dependencies)
			case engine.ActualResourcesDocument, engine.OldResourcesDocument:
				doc, err := readResources(ctx, opened, name)
				if err != nil {
					return err
				}
				out = graph.DependenciesToDOT(doc.Data.Contexts(), doc.Data.Dependencies)
			default:
				return fmt.Errorf("unknown state document %q", name)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
}

func newStateWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Report changes to the documents of a local backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, opened, err := openState(ctx)
			if err != nil {
				return err
			}
			defer closeState(opened)

			changes, err := opened.Watch(ctx)
			if err != nil {
				return err
			}
			log.Info().Msg("Watching state documents")
			for change := range changes {
				if jsonOutput {
					if err := printJSON(cmd.OutOrStdout(), change); err != nil {
						return err
					}
					continue
				}
				verb := "changed"
				if change.Removed {
					verb = "removed"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", change.Name, verb)
			}
			return nil
		},
	}
}

func readModels(ctx context.Context, provider stores.StateProvider) (serialize.Document[serialize.ModelState], error) {
	raw, err := provider.GetState(ctx, engine.ModelsDocument, nil)
	if err != nil {
		return serialize.Document[serialize.ModelState]{}, err
	}
	return serialize.Decode[serialize.ModelState](raw)
}

func readResources(ctx context.Context, provider stores.StateProvider, name string) (serialize.Document[serialize.ResourceState], error) {
	raw, err := provider.GetState(ctx, name, nil)
	if err != nil {
		return serialize.Document[serialize.ResourceState]{}, err
	}
	return serialize.Decode[serialize.ResourceState](raw)
}
