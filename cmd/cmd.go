// Package cmd imgforge 命令行：serve / convert / inpaint / formats
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/chaos-io/imgforge/config"
	"github.com/chaos-io/imgforge/format"
	"github.com/chaos-io/imgforge/inpaint"
	"github.com/chaos-io/imgforge/normalize"
	"github.com/chaos-io/imgforge/pipeline"
	"github.com/chaos-io/imgforge/rembg"
	"github.com/chaos-io/imgforge/util"
)

func NewCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "imgforge",
		Short:         "Image conversion with background removal and inpainting",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "YAML config file")

	root.AddCommand(serveCmd(), convertCmd(), inpaintCmd(), formatsCmd())
	return root
}

// withApp 加载配置、组装组件，run 结束后释放
func withApp(cmd *cobra.Command, run func(ctx context.Context, a *app) error) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	}()
	return run(cmd.Context(), a)
}

// ─── convert ────────────────────────────────────────────────────────────────

func convertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert IN OUT",
		Short: "Convert an image, optionally removing its background",
		Long: `Convert IN (a file or an http(s) URL) to OUT. The output format follows --format,
or the extension of OUT.
Formats the encoders cannot write fall back to PNG.`,
		Args: cobra.ExactArgs(2),
		RunE: runConvert,
	}
	f := cmd.Flags()
	f.StringP("format", "f", "", "output format (default: from OUT extension)")
	f.Bool("remove-bg", false, "remove the background before converting")
	f.StringP("model", "m", "express", "background model: express, balanced or pro")
	f.IntP("quality", "q", 0, "encoder quality 1-100 (default from config)")
	f.Bool("strip", false, "drop EXIF metadata")
	f.Int("resize", 0, "scale the longest side to this many pixels")
	f.Bool("trim", false, "crop transparent borders after background removal")
	f.Bool("square", false, "center the subject on a transparent square canvas")
	return cmd
}

func runConvert(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	modelName, _ := f.GetString("model")
	model, err := rembg.ParseModel(modelName)
	if err != nil {
		return err
	}
	opts := pipeline.Options{Model: model}
	opts.OutputFormat, _ = f.GetString("format")
	opts.RemoveBackground, _ = f.GetBool("remove-bg")
	opts.Quality, _ = f.GetInt("quality")
	opts.StripMetadata, _ = f.GetBool("strip")
	opts.ResizeDimension, _ = f.GetInt("resize")
	opts.Trim, _ = f.GetBool("trim")
	opts.Square, _ = f.GetBool("square")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		return processFile(ctx, cmd, a.pipeline, args[0], args[1], opts)
	})
}

// ─── inpaint ────────────────────────────────────────────────────────────────

func inpaintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inpaint IN MASK OUT",
		Short: "Fill the masked area of an image",
		Long:  `Fill the white area of MASK in IN. MASK must have the same size as IN.`,
		Args:  cobra.ExactArgs(3),
		RunE:  runInpaint,
	}
	f := cmd.Flags()
	f.StringP("strategy", "s", "telea", "telea or neural")
	f.IntP("radius", "r", 0, "telea neighbourhood radius (default 5)")
	f.StringP("format", "f", "", "output format (default: from OUT extension)")
	return cmd
}

func runInpaint(cmd *cobra.Command, args []string) error {
	mask, _, err := util.ReadSource(cmd.Context(), nil, args[1])
	if err != nil {
		return err
	}
	f := cmd.Flags()
	ip := &pipeline.InpaintOptions{Mask: mask}
	strategy, _ := f.GetString("strategy")
	ip.Strategy, err = inpaint.ParseStrategy(strategy)
	if err != nil {
		return err
	}
	ip.Radius, _ = f.GetInt("radius")

	opts := pipeline.Options{Inpaint: ip}
	opts.OutputFormat, _ = f.GetString("format")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		return processFile(ctx, cmd, a.pipeline, args[0], args[2], opts)
	})
}

func processFile(ctx context.Context, cmd *cobra.Command, p *pipeline.Pipeline, in, out string, opts pipeline.Options) error {
	data, name, err := util.ReadSource(ctx, nil, in)
	if err != nil {
		return err
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = strings.TrimPrefix(filepath.Ext(out), ".")
	}

	res, err := p.Process(ctx, pipeline.Input{Data: data, FileName: name}, opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, res.Data, 0o644); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if res.Outcome == normalize.DegradedPassthrough {
		fmt.Fprintln(w, color.YellowString("warning: %s could not be decoded, input passed through", in))
	}
	if want, ok := format.Lookup(opts.OutputFormat); !ok || want.Format != res.Format {
		fmt.Fprintln(w, color.YellowString("warning: %q is not writable, wrote %s", opts.OutputFormat, res.Format))
	}
	fmt.Fprintf(w, "%s %s (%s, %d bytes, engine %s)\n", color.GreenString("wrote"), out, res.Format, len(res.Data), res.Engine)
	return nil
}

// ─── formats ────────────────────────────────────────────────────────────────

func formatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "formats",
		Short: "List known image formats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			writable, _ := cmd.Flags().GetBool("writable")
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"FORMAT", "NAME", "MIME", "EXTENSIONS", "CATEGORY", "WRITE"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			for _, info := range format.All() {
				if writable && !info.Writable {
					continue
				}
				write := ""
				if info.Writable {
					write = "yes"
				}
				table.Append([]string{string(info.Format), info.Name, info.MIME, strings.Join(info.Extensions, " "), info.Category.String(), write})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolP("writable", "w", false, "only formats that can be written")
	return cmd
}
