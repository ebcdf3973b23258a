package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/easel/internal/filter"
	"github.com/dyluth/easel/internal/gateway"
	"github.com/dyluth/easel/internal/printer"
	"github.com/dyluth/easel/internal/resolver"
	"github.com/dyluth/easel/internal/timespec"
	"github.com/dyluth/easel/internal/watch"
	"github.com/dyluth/easel/pkg/board"
)

var (
	elementType      string
	elementX         float64
	elementY         float64
	elementWidth     float64
	elementHeight    float64
	elementRotation  float64
	elementLayer     int
	elementProps     map[string]string
	elementBase      int64
	updateX          float64
	updateY          float64
	updateWidth      float64
	updateHeight     float64
	updateRotation   float64
	updateLayer      int
	updateProps      map[string]string
	elementOutput    string
	elementListSince string
	elementListUntil string
	elementListType  string
	elementListBy    string
)

var elementCmd = &cobra.Command{
	Use:   "element",
	Short: "Create, change and inspect board elements",
	Long: `Direct element operations against the durable store.

Each write is authorized against the board's membership, bumps the element's
version by one, and is published on the board's change feed.`,
}

var elementCreateCmd = &cobra.Command{
	Use:   "create <board>",
	Short: "Create an element",
	Example: `  easel element create b1 --type rectangle --width 120 --height 80 --prop fill=#ff0000
  easel element create b1 --type text --prop text='"hello"' --prop font_size=18`,
	Args: cobra.ExactArgs(1),
	RunE: runElementCreate,
}

var elementUpdateCmd = &cobra.Command{
	Use:   "update <element>",
	Short: "Update an element's geometry, layer or properties",
	Long: `Update an element. Only the flags given are changed.

--prop replaces the whole properties object; pass every key to keep.
--base-version makes the write fail if the element has moved on since that
version, instead of overwriting it.`,
	Example: `  easel element update 3f2c... --x 300 --y 40
  easel element update 3f2c... --prop fill=#00ff00 --base-version 4`,
	Args: cobra.ExactArgs(1),
	RunE: runElementUpdate,
}

var elementDeleteCmd = &cobra.Command{
	Use:   "delete <element>",
	Short: "Delete an element",
	Args:  cobra.ExactArgs(1),
	RunE:  runElementDelete,
}

var elementGetCmd = &cobra.Command{
	Use:   "get <element>",
	Short: "Show one element as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runElementGet,
}

var elementListCmd = &cobra.Command{
	Use:   "list <board>",
	Short: "List a board's elements in paint order",
	Example: `  easel element list b1
  easel element list b1 --since 10m
  easel element list b1 --since 2025-10-29T13:00:00Z --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runElementList,
}

func init() {
	f := elementCreateCmd.Flags()
	f.StringVarP(&elementType, "type", "t", string(board.ElementTypeRectangle), "Element type (rectangle, circle, text, arrow, sticky_note)")
	f.Float64Var(&elementX, "x", 0, "X position")
	f.Float64Var(&elementY, "y", 0, "Y position")
	f.Float64Var(&elementWidth, "width", 100, "Width")
	f.Float64Var(&elementHeight, "height", 100, "Height")
	f.Float64Var(&elementRotation, "rotation", 0, "Rotation in degrees")
	f.IntVar(&elementLayer, "layer", 0, "Layer index (paint order)")
	f.StringToStringVarP(&elementProps, "prop", "p", nil, "Property key=value; values are parsed as JSON when possible")

	f = elementUpdateCmd.Flags()
	f.Float64Var(&updateX, "x", 0, "X position")
	f.Float64Var(&updateY, "y", 0, "Y position")
	f.Float64Var(&updateWidth, "width", 0, "Width")
	f.Float64Var(&updateHeight, "height", 0, "Height")
	f.Float64Var(&updateRotation, "rotation", 0, "Rotation in degrees")
	f.IntVar(&updateLayer, "layer", 0, "Layer index (paint order)")
	f.StringToStringVarP(&updateProps, "prop", "p", nil, "Property key=value, replacing all properties")
	f.Int64Var(&elementBase, "base-version", 0, "Fail unless the stored version equals this")

	elementListCmd.Flags().StringVarP(&elementOutput, "output", "o", "table", "Output format (table or json)")
	elementListCmd.Flags().StringVar(&elementListSince, "since", "", "Only elements updated at or after this time (duration like 10m or RFC3339)")
	elementListCmd.Flags().StringVar(&elementListUntil, "until", "", "Only elements updated at or before this time")
	elementListCmd.Flags().StringVarP(&elementListType, "type", "t", "", "Only element types matching this glob (e.g. 'sticky*')")
	elementListCmd.Flags().StringVar(&elementListBy, "by", "", "Only elements last modified by this user")

	elementCmd.AddCommand(elementCreateCmd, elementUpdateCmd, elementDeleteCmd, elementGetCmd, elementListCmd)
	rootCmd.AddCommand(elementCmd)
}

// withGateway loads config, connects and runs fn with a gateway acting as the
// configured user.
func withGateway(fn func(ctx context.Context, client *board.Client, gw *gateway.Gateway, who board.Author) error) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	who, err := author(cfg)
	if err != nil {
		return err
	}
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client, gateway.New(client), who)
}

func runElementCreate(cmd *cobra.Command, args []string) error {
	props, err := parseProperties(elementProps)
	if err != nil {
		return printer.Error("invalid --prop", err.Error(), nil)
	}

	spec := &board.NewElement{
		BoardID:    args[0],
		Type:       board.ElementType(elementType),
		X:          elementX,
		Y:          elementY,
		Width:      elementWidth,
		Height:     elementHeight,
		Rotation:   elementRotation,
		Properties: props,
		LayerIndex: elementLayer,
	}

	return withGateway(func(ctx context.Context, client *board.Client, gw *gateway.Gateway, who board.Author) error {
		el, err := gw.Create(ctx, spec, who)
		if err != nil {
			return writeError("create element", err)
		}
		printer.Success("Created %s %s (v%d)\n", el.Type, el.ID, el.Version)
		return nil
	})
}

func runElementUpdate(cmd *cobra.Command, args []string) error {
	patch := &board.Patch{BaseVersion: elementBase}
	flags := cmd.Flags()
	if flags.Changed("x") {
		patch.X = &updateX
	}
	if flags.Changed("y") {
		patch.Y = &updateY
	}
	if flags.Changed("width") {
		patch.Width = &updateWidth
	}
	if flags.Changed("height") {
		patch.Height = &updateHeight
	}
	if flags.Changed("rotation") {
		patch.Rotation = &updateRotation
	}
	if flags.Changed("layer") {
		patch.LayerIndex = &updateLayer
	}
	if flags.Changed("prop") {
		props, err := parseProperties(updateProps)
		if err != nil {
			return printer.Error("invalid --prop", err.Error(), nil)
		}
		patch.Properties = props
	}

	return withGateway(func(ctx context.Context, client *board.Client, gw *gateway.Gateway, who board.Author) error {
		id, err := resolveID(ctx, client, args[0])
		if err != nil {
			return err
		}
		el, err := gw.Write(ctx, id, patch, who)
		if errors.Is(err, board.ErrStaleBase) {
			return printer.Error(
				"element has changed",
				err.Error(),
				[]string{fmt.Sprintf("Inspect the current version:\n  easel element get %s", id)},
			)
		}
		if err != nil {
			return writeError("update element", err)
		}
		printer.Success("Updated %s (v%d)\n", el.ID, el.Version)
		return nil
	})
}

func runElementDelete(cmd *cobra.Command, args []string) error {
	return withGateway(func(ctx context.Context, client *board.Client, gw *gateway.Gateway, who board.Author) error {
		id, err := resolveID(ctx, client, args[0])
		if err != nil {
			return err
		}
		if err := gw.Delete(ctx, id, who); err != nil {
			return writeError("delete element", err)
		}
		printer.Success("Deleted %s\n", id)
		return nil
	})
}

func runElementGet(cmd *cobra.Command, args []string) error {
	return withGateway(func(ctx context.Context, client *board.Client, gw *gateway.Gateway, who board.Author) error {
		id, err := resolveID(ctx, client, args[0])
		if err != nil {
			return err
		}
		el, err := gw.Get(ctx, id, who)
		if err != nil {
			return writeError("get element", err)
		}
		return printJSON(cmd, el)
	})
}

func runElementList(cmd *cobra.Command, args []string) error {
	if elementOutput != "table" && elementOutput != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", elementOutput),
			[]string{"Valid formats: table, json"},
		)
	}

	sinceMs, untilMs, err := timespec.ParseRange(elementListSince, elementListUntil, time.Now())
	if err != nil {
		return printer.Error("invalid time range", err.Error(), nil)
	}
	criteria := &filter.Criteria{
		SinceTimestampMs: sinceMs,
		UntilTimestampMs: untilMs,
		TypeGlob:         elementListType,
		ModifiedBy:       elementListBy,
	}

	return withGateway(func(ctx context.Context, client *board.Client, gw *gateway.Gateway, who board.Author) error {
		rows, err := gw.List(ctx, args[0], who)
		if err != nil {
			return writeError("list elements", err)
		}

		filtered := criteria.Apply(rows)
		if elementOutput == "json" {
			return printJSON(cmd, filtered)
		}

		if len(filtered) == 0 {
			printer.Info("No elements found\n")
			return nil
		}
		watch.WriteTable(cmd.OutOrStdout(), filtered)
		return nil
	})
}

// resolveID expands a short element id prefix, printing ambiguous matches.
func resolveID(ctx context.Context, client *board.Client, shortID string) (string, error) {
	id, err := resolver.ResolveElementID(ctx, client, shortID)
	var ambiguous *resolver.AmbiguousError
	switch {
	case err == nil:
		return id, nil
	case errors.As(err, &ambiguous):
		return "", printer.Error("ambiguous element id", resolver.FormatAmbiguousError(ambiguous), nil)
	case resolver.IsNotFoundError(err):
		return "", printer.Error("element not found", err.Error(), nil)
	default:
		return "", printer.Error("invalid element id", err.Error(), nil)
	}
}

// parseProperties turns key=value flags into Properties. Values that parse
// as JSON keep their type, so 18 is a number and "18" a string; anything
// else is taken as a plain string.
func parseProperties(raw map[string]string) (board.Properties, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	props := make(board.Properties, len(raw))
	for _, k := range keys {
		if k == "" {
			return nil, fmt.Errorf("property key cannot be empty")
		}
		var v any
		if err := json.Unmarshal([]byte(raw[k]), &v); err != nil {
			v = raw[k]
		}
		props[k] = v
	}
	return props, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
