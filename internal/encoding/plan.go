package encoding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"clipfit/internal/config"
	"clipfit/internal/logging"
	"clipfit/internal/media/ffprobe"
	"clipfit/internal/queue"
	"clipfit/internal/runerr"
	"clipfit/internal/sizemodel"
)

// Request is one caller-supplied encode: a source, an optional trim range,
// and a target output ceiling. TargetSizeBytes zero means no size limit.
type Request struct {
	SourcePath      string
	TrimStart       string
	TrimEnd         string
	TargetSizeBytes int64
	OutputPath      string
}

// Planner turns requests into dispatchable jobs. It probes the source for
// duration, resolves the trim range, and computes encode parameters.
type Planner struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewPlanner constructs a planner.
func NewPlanner(cfg *config.Config, logger *slog.Logger) *Planner {
	return &Planner{cfg: cfg, logger: logging.NewComponentLogger(logger, "planner")}
}

// Plan probes the request's source and builds a pending job. A source whose
// duration cannot be determined fails here, before anything is queued.
func (p *Planner) Plan(ctx context.Context, req Request) (*queue.Job, error) {
	source := strings.TrimSpace(req.SourcePath)
	if source == "" {
		return nil, runerr.Wrap(runerr.ErrSourceUnreadable, "planner", "plan", "empty source path", nil)
	}

	probe, err := ffprobe.Inspect(ctx, p.cfg.Tools.FFprobe, source)
	if err != nil {
		return nil, runerr.Wrap(runerr.ErrSourceUnreadable, "planner", "probe", source, err)
	}
	if probe.VideoStreamCount() == 0 {
		return nil, runerr.Wrap(runerr.ErrSourceUnreadable, "planner", "probe", fmt.Sprintf("%s has no video stream", source), nil)
	}
	sourceDuration := probe.DurationSeconds()
	if sourceDuration <= 0 {
		return nil, runerr.Wrap(runerr.ErrSourceUnreadable, "planner", "probe", fmt.Sprintf("%s reports no duration", source), nil)
	}

	sourceStart := probe.StartSeconds()
	start, end, err := resolveTrimRange(req, sourceStart, sourceDuration)
	if err != nil {
		return nil, err
	}

	job := &queue.Job{
		SourcePath:      source,
		TrimStart:       start,
		TrimEnd:         end,
		DurationSeconds: end - start,
		TargetSizeBytes: req.TargetSizeBytes,
	}
	if err := p.computeParams(job); err != nil {
		return nil, err
	}

	output := strings.TrimSpace(req.OutputPath)
	if output == "" {
		output = defaultOutputPath(p.cfg.Paths.OutputDir, job)
	}
	job.OutputPath = output

	p.logger.Debug("planned job",
		logging.String("source", source),
		logging.Float64("duration_seconds", job.DurationSeconds),
		logging.Float64("video_bitrate_kbps", job.VideoBitrateKbps),
		logging.Int(logging.FieldPass, job.Passes),
		logging.String("output", output),
	)
	return job, nil
}

// Recompute refreshes a job's derived parameters after a trim edit. Only
// valid before dispatch, while the job is still pending.
func (p *Planner) Recompute(job *queue.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.State != "" && job.State != queue.StatePending {
		return runerr.Wrap(runerr.ErrInvariant, "planner", "recompute",
			fmt.Sprintf("job %d is %s, parameters are immutable after dispatch", job.ID, job.State), nil)
	}
	job.DurationSeconds = job.TrimEnd - job.TrimStart
	return p.computeParams(job)
}

func (p *Planner) computeParams(job *queue.Job) error {
	params, err := sizemodel.ComputeParameters(
		job.DurationSeconds,
		job.TargetSizeBytes,
		sizemodel.Policy{
			AudioBitrateKbps:    p.cfg.Encode.AudioBitrateKbps,
			MinVideoBitrateKbps: p.cfg.Encode.MinVideoBitrateKbps,
		},
		p.cfg.Encode.OverheadMarginFraction,
	)
	if err != nil {
		return err
	}
	job.VideoBitrateKbps = params.VideoBitrateKbps
	job.AudioBitrateKbps = params.AudioBitrateKbps
	job.Passes = params.Strategy.Passes()
	return nil
}

func resolveTrimRange(req Request, sourceStart, sourceDuration float64) (float64, float64, error) {
	start := sourceStart
	end := sourceStart + sourceDuration

	if trimmed := strings.TrimSpace(req.TrimStart); trimmed != "" {
		parsed, err := ParseTimecode(trimmed)
		if err != nil {
			return 0, 0, runerr.Wrap(runerr.ErrSourceUnreadable, "planner", "trim start", trimmed, err)
		}
		start = parsed
	}
	if trimmed := strings.TrimSpace(req.TrimEnd); trimmed != "" {
		parsed, err := ParseTimecode(trimmed)
		if err != nil {
			return 0, 0, runerr.Wrap(runerr.ErrSourceUnreadable, "planner", "trim end", trimmed, err)
		}
		end = parsed
	}
	if end <= start {
		return 0, 0, runerr.Wrap(runerr.ErrSourceUnreadable, "planner", "trim range",
			fmt.Sprintf("end %.3fs is not after start %.3fs", end, start), nil)
	}
	return start, end, nil
}

// defaultOutputPath names the output from the source stem plus a short hash
// of the trim and size parameters, so distinct clips of one source never
// collide.
func defaultOutputPath(outputDir string, job *queue.Job) string {
	stem := strings.TrimSuffix(filepath.Base(job.SourcePath), filepath.Ext(job.SourcePath))
	if strings.Contains(job.SourcePath, "://") {
		stem = "remote_clip"
	}

	digest := sha256.Sum256(fmt.Appendf(nil, "%s|%.3f|%.3f|%d",
		job.SourcePath, job.TrimStart, job.TrimEnd, job.TargetSizeBytes))
	short := hex.EncodeToString(digest[:])[:10]

	return filepath.Join(outputDir, stem+"_"+short+".webm")
}
