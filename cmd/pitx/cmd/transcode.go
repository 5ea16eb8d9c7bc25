package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/pitx/internal/config"
	"github.com/jmylchreest/pitx/internal/container"
	"github.com/jmylchreest/pitx/internal/observability"
	"github.com/jmylchreest/pitx/internal/status"
	"github.com/jmylchreest/pitx/internal/transcoder"
	"github.com/jmylchreest/pitx/internal/ui"
	"github.com/jmylchreest/pitx/internal/version"
)

// stdio names standard input or output in place of a path.
const stdio = "-"

var transcodeCmd = &cobra.Command{
	Use:   "transcode INPUT OUTPUT",
	Short: "Transcode a transport stream to H.264",
	Long: `Transcode INPUT through the hardware pipeline and write OUTPUT.

INPUT is an MPEG transport stream, or - for standard input, optionally
gzip, bzip2, xz or brotli (.br) compressed, or an http(s) HLS playlist.
OUTPUT is a file or - for standard output; its container comes from
--format or the extension: .ts/.m2ts MPEG-TS, .mp4/.m4v fragmented MP4,
.264/.h264/.nal raw H.264.

The first interrupt stops feeding and tears the pipeline down without
draining the encoder.`,
	Example: `  pitx transcode in.ts out.mp4 --deinterlace half --resize 1280x720 --bitrate 4M
  pitx transcode in.ts out.264 --backend sim --status`,
	Args: cobra.ExactArgs(2),
	RunE: runTranscode,
}

func init() {
	rootCmd.AddCommand(transcodeCmd)
	f := transcodeCmd.Flags()

	// Picture
	f.String("deinterlace", "off", "deinterlace: off, half (frame rate) or field (field rate)")
	f.String("resize", "", "output size WIDTHxHEIGHT, rounded up to 16")
	f.String("crop", "", "crop WIDTH:HEIGHT:LEFT:TOP applied before resizing")
	f.String("autoscale", "off", "correct non-square pixels by scaling x or y")

	// Timing and audio
	f.String("timestamps", "duration", "timestamp source: duration, pts or dts")
	f.String("audio", "auto", "audio stream to pass through: auto, none or a stream index")

	// Encoder
	f.String("bitrate", "2M", "target bit rate, k and M suffixes (1024 base)")
	f.String("rate-control", "variable", "rate control: variable, constant or fixed-qp")
	f.Uint32("qp-min", 0, "minimum quantizer (0 keeps the encoder default)")
	f.Uint32("qp-max", 0, "maximum quantizer (0 keeps the encoder default)")
	f.Uint32("qp-i", 0, "fixed I-frame quantizer for fixed-qp")
	f.Uint32("qp-p", 0, "fixed P-frame quantizer for fixed-qp")
	f.String("profile", "", "H.264 profile: baseline, main or high")
	f.String("level", "", "H.264 level: 3.1, 4, 4.1 or 4.2")

	// Output
	f.String("format", "auto", "output container: auto, mpegts, fmp4 or raw")
	f.Bool("monitor", false, "show a live preview while encoding")
	f.Bool("fullscreen", false, "show the preview fullscreen")

	// Hardware
	f.String("backend", "sim", "hardware backend")
	f.String("sim-encoder", "passthrough", "simulated encoder output: passthrough or synthetic")

	// Reporting
	f.String("progress", "auto", "progress display: auto, tui, log or none")
	f.String("status", "", "serve progress over HTTP on this address")
	f.Lookup("status").NoOptDefVal = config.DefaultStatusAddr()

	for key, name := range map[string]string{
		"transcode.deinterlace":    "deinterlace",
		"transcode.resize":         "resize",
		"transcode.crop":           "crop",
		"transcode.autoscale":      "autoscale",
		"transcode.timestamps":     "timestamps",
		"transcode.audio":          "audio",
		"encoder.bitrate":          "bitrate",
		"encoder.rate_control":     "rate-control",
		"encoder.qp_min":           "qp-min",
		"encoder.qp_max":           "qp-max",
		"encoder.qp_i":             "qp-i",
		"encoder.qp_p":             "qp-p",
		"encoder.profile":          "profile",
		"encoder.level":            "level",
		"output.format":            "format",
		"output.monitor":           "monitor",
		"output.window.fullscreen": "fullscreen",
		"hardware.backend":         "backend",
		"hardware.sim.encoder":     "sim-encoder",
		"status.progress":          "progress",
		"status.listen":            "status",
	} {
		bindFlag(key, f.Lookup(name))
	}
}

func runTranscode(cmd *cobra.Command, args []string) error {
	in, out := args[0], args[1]

	runID := uuid.NewString()
	logger := observability.WithRunID(slog.Default(), runID)
	ctx := observability.ContextWithRunID(cmd.Context(), runID)
	ctx = observability.ContextWithLogger(ctx, logger)

	explicit, err := container.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}
	if out == stdio && explicit == container.FormatAuto {
		explicit = container.FormatMPEGTS
	}
	format, err := container.ResolveFormat(explicit, out)
	if err != nil {
		return err
	}
	opts, err := transcoder.OptionsFromConfig(cfg, format)
	if err != nil {
		return err
	}
	audio, err := cfg.Transcode.AudioStream()
	if err != nil {
		return err
	}

	logger.Info("starting transcode",
		slog.String("input", in),
		slog.String("output", out),
		slog.String("format", format.String()),
		slog.String("backend", cfg.Hardware.Backend),
		slog.Any("version", version.GetInfo()))

	src, err := openSource(ctx, in, container.SourceConfig{Logger: logger, AudioStream: audioSelection(audio)})
	if err != nil {
		return err
	}
	defer src.Close()

	w, closeOut, err := createOutput(out)
	if err != nil {
		return err
	}

	video, _ := src.Video()
	sinkCfg := container.SinkConfig{Logger: logger, FPS: video.FPS}
	if as, ok := src.Audio(); ok {
		sinkCfg.Audio = &as
	}
	sink, err := container.NewSink(format, w, sinkCfg)
	if err != nil {
		closeOut()
		return err
	}

	core, err := openBackend(cfg.Hardware, logger)
	if err != nil {
		closeOut()
		return err
	}
	defer core.Close()

	tc, err := transcoder.New(transcoder.Config{
		Logger:  logger,
		Core:    core,
		Source:  src,
		Sink:    sink,
		Options: opts,
	})
	if err != nil {
		closeOut()
		return err
	}

	runErr := run(ctx, tc, runInfo{
		Input:   in,
		Output:  out,
		Format:  format.String(),
		Backend: cfg.Hardware.Backend,
		Stdin:   in == stdio,
	})

	if err := sink.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("closing output: %w", err)
	}
	if err := closeOut(); err != nil && runErr == nil {
		runErr = fmt.Errorf("closing output: %w", err)
	}
	return runErr
}

type runInfo struct {
	Input   string
	Output  string
	Format  string
	Backend string
	Stdin   bool
}

// run drives the transcoder with its reporting around it: the periodic
// reporter, the HTTP status endpoint and the terminal view, each optional.
// A signal or the terminal view's interrupt stops the pipeline. The run's
// logger and id travel in ctx.
func run(ctx context.Context, tc *transcoder.Transcoder, info runInfo) error {
	logger := observability.LoggerFromContext(ctx)
	mode := progressMode(cfg.Status.Progress, info.Stdin)

	g, gctx := errgroup.WithContext(ctx)
	reportCtx, stopReporting := context.WithCancel(gctx)
	defer stopReporting()

	var observers []transcoder.Observer
	var view *ui.Program
	switch mode {
	case "tui":
		view = ui.NewProgram(ctx, ui.Info{
			Input:     info.Input,
			Output:    info.Output,
			Format:    info.Format,
			Backend:   info.Backend,
			Interrupt: tc.Quit,
		}, os.Stderr)
		observers = append(observers, view.Observer())
		g.Go(view.Run)
	case "log":
		observers = append(observers, transcoder.LogObserver(logger))
	}

	var hub *status.Hub
	if cfg.Status.Listen != "" {
		hub = status.NewHub(status.RunInfo{
			RunID:   observability.RunIDFromContext(ctx),
			Input:   info.Input,
			Output:  info.Output,
			Format:  info.Format,
			Backend: info.Backend,
			Started: time.Now(),
		})
		observers = append(observers, hub.Observe)
		srv := status.NewServer(cfg.Status.Listen, hub, logger, version.Short())
		g.Go(func() error { return srv.ListenAndServe(reportCtx) })
	}

	if len(observers) > 0 {
		reporter := transcoder.NewReporter(tc, cfg.Status.ReportInterval, logger, observers...)
		g.Go(func() error { return reporter.Run(reportCtx) })
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("signal received, stopping", slog.String("signal", sig.String()))
			tc.Quit()
		case <-reportCtx.Done():
		}
		return nil
	})

	g.Go(func() error {
		err := tc.Run(gctx)
		// The reporter publishes its closing snapshot before the outcome.
		stopReporting()
		if hub != nil {
			hub.Finish(err)
		}
		if view != nil {
			view.Finish(err)
		}
		return err
	})

	return g.Wait()
}

// progressMode resolves auto to tui on an interactive terminal. The view
// reads keys from standard input, so piped input falls back to log lines.
func progressMode(mode string, stdin bool) string {
	if mode != "auto" {
		return mode
	}
	if !stdin && isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stderr.Fd()) {
		return "tui"
	}
	return "log"
}

// source is what runTranscode needs from the demuxer.
type source interface {
	container.Source
	Audio() (container.Stream, bool)
}

// audioSelection maps the configured audio stream onto the source's
// selection.
func audioSelection(n int) container.AudioSelection {
	switch n {
	case config.AudioAuto:
		return container.AudioAuto
	case config.AudioNone:
		return container.AudioNone
	default:
		return container.AudioIndex(n)
	}
}

func openSource(ctx context.Context, path string, sc container.SourceConfig) (source, error) {
	if container.IsHLS(path) {
		return container.OpenHLS(ctx, path, container.HLSConfig{SourceConfig: sc})
	}
	if path == stdio {
		return container.OpenReader(os.Stdin, path, sc)
	}
	return container.OpenFile(path, sc)
}

// createOutput opens the output and returns a closer that is safe to call
// more than once.
func createOutput(path string) (io.Writer, func() error, error) {
	if path == stdio {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output: %w", err)
	}
	var closed bool
	return f, func() error {
		if closed {
			return nil
		}
		closed = true
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			return err
		}
		return nil
	}, nil
}
