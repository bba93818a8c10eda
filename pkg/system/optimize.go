package system

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	romtools "github.com/dogeorg/romtools/pkg"
)

type setting struct {
	namespace string
	key       string
	value     string
}

// Only reversible `settings` keys are touched.
var genesisSettings = []setting{
	{"global", "window_animation_scale", "0.5"},
	{"global", "transition_animation_scale", "0.5"},
	{"global", "animator_duration_scale", "0.5"},
}

type OptimizeService struct {
	shell *Shell
	log   logrus.FieldLogger
}

func NewOptimizeService(shell *Shell, log logrus.FieldLogger) *OptimizeService {
	return &OptimizeService{shell: shell, log: log.WithField("component", "optimize")}
}

func (o *OptimizeService) Apply(ctx context.Context, progress romtools.ProgressFunc) (romtools.OptimizationReport, error) {
	report := romtools.OptimizationReport{Applied: []string{}}
	if !o.shell.ProbeRoot(ctx) {
		return report, romtools.ErrRootUnavailable
	}
	for i, s := range genesisSettings {
		name := fmt.Sprintf("%s/%s=%s", s.namespace, s.key, s.value)
		status := "Applied " + name
		if _, err := o.shell.Run(ctx, true, "settings", "put", s.namespace, s.key, s.value); err != nil {
			o.log.WithError(err).Warnf("Failed to apply %s", name)
			report.Failed = append(report.Failed, name)
			status = "Failed " + name
		} else {
			report.Applied = append(report.Applied, name)
		}
		progress.Report(100*float64(i+1)/float64(len(genesisSettings)), status)
	}
	return report, nil
}
