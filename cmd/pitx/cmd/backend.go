package cmd

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jmylchreest/pitx/internal/config"
	"github.com/jmylchreest/pitx/internal/hwsim"
	"github.com/jmylchreest/pitx/internal/hwstage"
)

// backendFactory opens a hardware core.
type backendFactory func(cfg config.HardwareConfig, logger *slog.Logger) (hwstage.Core, error)

// backends holds the hardware cores this binary can drive. Target builds
// register their IL bindings next to the simulator.
var backends = map[string]backendFactory{
	"sim": openSim,
}

func openBackend(cfg config.HardwareConfig, logger *slog.Logger) (hwstage.Core, error) {
	open, ok := backends[strings.ToLower(cfg.Backend)]
	if !ok {
		names := make([]string, 0, len(backends))
		for name := range backends {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown hardware backend %q (available: %s)", cfg.Backend, strings.Join(names, ", "))
	}
	return open(cfg, logger)
}

func openSim(cfg config.HardwareConfig, logger *slog.Logger) (hwstage.Core, error) {
	mode := hwsim.EncoderPassthrough
	if strings.EqualFold(cfg.Sim.Encoder, "synthetic") {
		mode = hwsim.EncoderSynthetic
	}
	logger.Info("using simulated hardware",
		slog.String("encoder", cfg.Sim.Encoder),
		slog.Int("input_buffers", cfg.Sim.InputBuffers))
	return hwsim.New(hwsim.Config{
		Logger:        logger,
		SettingsAfter: cfg.Sim.SettingsAfter,
		InputBuffers:  cfg.Sim.InputBuffers,
		OutputBuffers: cfg.Sim.OutputBuffers,
		Encoder:       mode,
		GOP:           cfg.Sim.GOP,
	}), nil
}
