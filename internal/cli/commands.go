package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/entitygraph/internal/export"
	"github.com/mesh-intelligence/entitygraph/internal/jsonl"
	"github.com/mesh-intelligence/entitygraph/internal/schema"
	"github.com/mesh-intelligence/entitygraph/pkg/store"
	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// open builds a collection from the schema and inserts the records of path.
func (e *env) open(path string) (types.Collection, error) {
	s, err := schema.Load(e.schemaPath())
	if err != nil {
		return nil, err
	}
	classes, err := s.Build()
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}
	cfg, err := e.collectionConfig()
	if err != nil {
		return nil, err
	}
	c, err := store.NewCollection(cfg, classes...)
	if err != nil {
		return nil, err
	}

	lines, err := jsonl.ReadFile(path)
	if err != nil {
		return nil, err
	}
	records, err := jsonl.Records(lines)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if _, err := c.Insert(records); err != nil {
		return nil, fmt.Errorf("insert %s: %w", path, err)
	}
	return c, nil
}

func (e *env) patchToken() string {
	if t := e.cfg.GetString(cfgKeyPatchToken); t != "" {
		return t
	}
	return types.PatchTokenStandard
}

func newLoadCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "load <records.jsonl>",
		Short: "Load records and print the count per type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.open(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, class := range c.Classes() {
				fmt.Fprintf(out, "%s\t%d\n", class.Type(), len(c.FindAll(class.Type())))
			}
			fmt.Fprintf(out, "total\t%d\n", c.Len())
			return nil
		},
	}
}

func newDumpCmd(e *env) *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "dump <records.jsonl>",
		Short: "Load records and write their normalized snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.open(args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, func(w io.Writer) error {
				return export.Encode(w, format, c.ToJSON())
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", export.FormatJSON, fmt.Sprintf("output format %v", export.Formats()))
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func newFindCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "find <records.jsonl> <type> [id]",
		Short: "Print the record (type, id), or every record of type",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.open(args[0])
			if err != nil {
				return err
			}
			typ := args[1]
			var found []types.Record
			if len(args) == 3 {
				// Integer and string ids share a key, so the raw argument matches either.
				r := c.Find(typ, args[2])
				if r == nil {
					return fmt.Errorf("%s %s: not found", typ, args[2])
				}
				found = append(found, r)
			} else {
				found = c.FindAll(typ)
			}
			snaps := make([]map[string]any, len(found))
			for i, r := range found {
				snaps[i] = r.ToJSON()
			}
			return export.Encode(cmd.OutOrStdout(), export.FormatJSON, snaps)
		},
	}
}

func newPatchCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Replay or revert patch streams",
	}
	cmd.AddCommand(newPatchRunCmd(e, false))
	cmd.AddCommand(newPatchRunCmd(e, true))
	return cmd
}

// newPatchRunCmd builds "patch apply" or, with undo, "patch undo". Undo
// reverts the stream newest first.
func newPatchRunCmd(e *env, undo bool) *cobra.Command {
	var output, emitted string
	use, short := "apply", "Apply patches to records and write the result as JSONL"
	if undo {
		use, short = "undo", "Revert patches from records and write the result as JSONL"
	}
	cmd := &cobra.Command{
		Use:   use + " <records.jsonl> <patches.jsonl>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.open(args[0])
			if err != nil {
				return err
			}
			lines, err := jsonl.ReadFile(args[1])
			if err != nil {
				return err
			}
			patches, err := jsonl.Patches(lines)
			if err != nil {
				return fmt.Errorf("%s: %w", args[1], err)
			}

			var seen []types.Patch
			stop := c.OnPatch(func(p types.Patch) { seen = append(seen, p) })
			if undo {
				slices.Reverse(patches)
			}
			for i, p := range patches {
				if undo {
					err = c.UndoPatch(p)
				} else {
					err = c.ApplyPatch(p)
				}
				if err != nil {
					stop()
					return fmt.Errorf("patch %d (%s %s): %w", i+1, p.PatchType, p.Model.Key(), err)
				}
			}
			stop()
			e.log.Sugar().Debugw("patches replayed", "count", len(patches), "emitted", len(seen), "undo", undo)

			if emitted != "" {
				var buf bytes.Buffer
				if err := jsonl.WritePatches(&buf, seen, e.patchToken()); err != nil {
					return err
				}
				if err := os.WriteFile(emitted, buf.Bytes(), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", emitted, err)
				}
			}
			if output != "" {
				return jsonl.WriteFile(output, c.ToJSON())
			}
			return jsonl.Write(cmd.OutOrStdout(), c.ToJSON())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output JSONL file (default: stdout)")
	cmd.Flags().StringVar(&emitted, "emitted", "", "write the patches the collection emitted to this file")
	return cmd
}

// writeOutput runs fn against path, or against stdout when path is empty.
func writeOutput(stdout io.Writer, path string, fn func(io.Writer) error) error {
	if path == "" {
		return fn(stdout)
	}
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
