package encoding

import (
	"fmt"
	"strconv"

	"clipfit/internal/config"
	"clipfit/internal/queue"
)

// passArgs builds the ffmpeg argv for one pass of a job. Trim offsets sit in
// front of the input (input seeking), which is both faster and frame-accurate
// enough for clip extraction. The analysis pass of a two-pass encode writes
// no output; the final pass writes to workPath, never directly to the job's
// output path.
func passArgs(cfg *config.Config, job *queue.Job, pass int, passLogPrefix, workPath string) []string {
	args := []string{
		"-hide_banner",
		"-ss", FormatTimecode(job.TrimStart),
		"-to", FormatTimecode(job.TrimEnd),
		"-i", job.SourcePath,
		"-map_metadata", "-1",
		"-map_chapters", "-1",
		"-map", "0:v:0",
	}

	finalPass := pass == job.Passes
	if finalPass {
		args = append(args, "-map", "0:a:0?",
			"-c:a", "libopus",
			"-b:a", strconv.Itoa(job.AudioBitrateKbps)+"k",
		)
	} else {
		args = append(args, "-an")
	}

	args = append(args,
		"-c:v", cfg.Encode.VideoEncoder,
		"-row-mt", "1",
		"-crf", strconv.Itoa(cfg.Encode.CRF),
		"-b:v", videoBitrateArg(job),
		"-f", "webm",
	)

	if job.Passes > 1 {
		args = append(args,
			"-pass", strconv.Itoa(pass),
			"-passlogfile", passLogPrefix,
		)
	}

	if finalPass {
		args = append(args, workPath, "-y")
	} else {
		args = append(args, "/dev/null", "-y")
	}
	return args
}

// videoBitrateArg renders the size-targeting cap. Jobs without a size target
// run in constant quality mode, which libvpx selects with a zero bitrate.
func videoBitrateArg(job *queue.Job) string {
	if job.VideoBitrateKbps <= 0 {
		return "0"
	}
	return fmt.Sprintf("%.3fK", job.VideoBitrateKbps)
}
