package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/pitx/internal/container"
	"github.com/jmylchreest/pitx/pkg/format"
)

var (
	probeMaxPES int
	probeJSON   bool
)

var probeCmd = &cobra.Command{
	Use:   "probe INPUT",
	Short: "Describe the streams of a transport stream",
	Long: `Walk the program tables and PES headers of an MPEG transport stream
and list its elementary streams, their codecs, packet counts and PTS span.
The video stream's geometry is read from its first sequence header.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().IntVar(&probeMaxPES, "max-pes", 5000, "stop after this many PES packets (0 reads the whole input)")
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "output the probe result as JSON")
	rootCmd.AddCommand(probeCmd)
}

// probeReport is the JSON form of a probe.
type probeReport struct {
	Input    string                   `json:"input"`
	Programs []uint16                 `json:"programs"`
	PES      int                      `json:"pes"`
	Streams  []container.ProbedStream `json:"streams"`
	Video    *videoInfo               `json:"video,omitempty"`
}

// videoInfo is the geometry of the video stream.
type videoInfo struct {
	Codec  string  `json:"codec"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
	SARNum int     `json:"sar_num,omitempty"`
	SARDen int     `json:"sar_den,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	path := args[0]
	logger := slog.Default()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	res, err := container.Probe(cmd.Context(), f, probeMaxPES)
	if err != nil {
		return err
	}
	report := probeReport{Input: path, Programs: res.Programs, PES: res.PES, Streams: res.Streams}

	if _, ok := res.Video(); ok {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding input: %w", err)
		}
		src, err := container.OpenTS(f, container.SourceConfig{Logger: logger, AudioStream: container.AudioNone})
		if err != nil {
			logger.Warn("video geometry unavailable", slog.String("error", err.Error()))
		} else if vs, ok := src.Video(); ok {
			report.Video = &videoInfo{
				Codec:  vs.Video.String(),
				Width:  vs.Width,
				Height: vs.Height,
				FPS:    vs.FPS,
				SARNum: vs.SARNum,
				SARDen: vs.SARDen,
			}
		}
	}

	out := cmd.OutOrStdout()
	if probeJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintln(out, renderProbe(report))
	return nil
}

func renderProbe(r probeReport) string {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("PID", "TYPE", "KIND", "CODEC", "PACKETS", "DURATION", "READABLE", "DECODABLE").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for _, s := range r.Streams {
		name := "-"
		switch s.Kind {
		case container.KindVideo:
			name = s.Video.String()
		case container.KindAudio:
			name = s.Audio.String()
		}
		decodable := ""
		if s.Kind == container.KindVideo {
			decodable = strconv.FormatBool(s.Decodable())
		}
		t.Row(
			strconv.Itoa(int(s.PID)),
			fmt.Sprintf("0x%02x", s.StreamType),
			s.Kind.String(),
			name,
			format.Number(int64(s.Packets)),
			format.Clock(s.Duration()),
			strconv.FormatBool(s.Demuxable),
			decodable,
		)
	}

	summary := fmt.Sprintf("%s: %d program(s), %s PES packets read", r.Input, len(r.Programs), format.Number(int64(r.PES)))
	if vs := r.Video; vs != nil && vs.Width > 0 {
		summary += fmt.Sprintf("\nvideo %dx%d at %s", vs.Width, vs.Height, format.FPS(vs.FPS))
		if vs.SARNum > 0 && vs.SARDen > 0 && vs.SARNum != vs.SARDen {
			summary += fmt.Sprintf(", sample aspect %d:%d", vs.SARNum, vs.SARDen)
		}
	}
	return summary + "\n" + t.String()
}
