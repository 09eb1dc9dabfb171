package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/warpdrive/heatmap/pkg/heatmap"
	"github.com/warpdrive/heatmap/pkg/ids"
)

func inspectCmd() *cobra.Command {
	var (
		strip    bool
		timeline string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <file|->",
		Short: "Summarize a heatmap file",
		Long: `Decode a heatmap file and print its generation, upload period and the
hot layers of each timeline. Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			h, err := heatmap.Decode(data)
			if err != nil {
				return err
			}

			if strip {
				stripped := h.StripAccessTimes()
				h = &stripped
			}
			if timeline != "" {
				id, err := ids.ParseTimelineID(timeline)
				if err != nil {
					return err
				}
				tl, ok := h.IntoTimelinesIndex()[id]
				if !ok {
					return fmt.Errorf("timeline %s not in heatmap", timeline)
				}
				narrowed := heatmap.Tenant{Generation: h.Generation, Timelines: []heatmap.Timeline{tl}, UploadPeriodMS: h.UploadPeriodMS}
				h = &narrowed
			}

			if asJSON {
				out, err := heatmap.Encode(h)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			}
			return printHeatmap(cmd.OutOrStdout(), h)
		},
	}

	cmd.Flags().BoolVar(&strip, "strip-atimes", false, "reset access times to the epoch before printing")
	cmd.Flags().StringVar(&timeline, "timeline", "", "only show this timeline")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the (filtered) heatmap as JSON")
	return cmd
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

func printHeatmap(w io.Writer, h *heatmap.Tenant) error {
	stats := h.Stats()
	period := "none"
	if p, ok := h.UploadPeriod(); ok {
		period = p.String()
	}

	fmt.Fprintf(w, "Generation:     %s\n", h.Generation)
	fmt.Fprintf(w, "Upload period:  %s\n", period)
	fmt.Fprintf(w, "Timelines:      %d\n", len(h.Timelines))
	fmt.Fprintf(w, "Hot layers:     %d (%s)\n\n", stats.Layers, humanize.IBytes(stats.Bytes))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMELINE\tLAYERS\tHOT\tHOT SIZE\tLAST ACCESS")
	for i := range h.Timelines {
		tl := &h.Timelines[i]
		var hot int
		var hotBytes uint64
		last := heatmap.Epoch
		for l := range tl.HotLayers() {
			hot++
			hotBytes += l.Metadata.FileSize
			if l.AccessTime.After(last) {
				last = l.AccessTime
			}
		}
		lastStr := "-"
		if last.After(heatmap.Epoch) {
			lastStr = humanize.Time(last)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", tl.TimelineID, tl.NumLayers(), hot, humanize.IBytes(hotBytes), lastStr)
	}
	return tw.Flush()
}
