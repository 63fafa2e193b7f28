// Package audio estimates the duration of uploaded audio from container
// metadata. Estimation is best effort: any format it does not recognise, and
// any parser fault, yields "unknown" and the upload is let through.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/abema/go-mp4"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/tcolgate/mp3"

	"eversaid-wrapper/internal/logging"
)

type Format string

const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatFLAC    Format = "flac"
	FormatMP4     Format = "mp4"
)

// DurationExceededError reports a payload longer than the configured ceiling.
// Both values are in seconds.
type DurationExceededError struct {
	Actual float64
	Max    float64
}

func (e *DurationExceededError) Error() string {
	return fmt.Sprintf("Audio duration (%.1f min) exceeds maximum (%.0f min)", e.Actual/60, e.Max/60)
}

// Detect sniffs the container from magic bytes, falling back to the filename
// extension.
func Detect(data []byte, filename string) Format {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 4 && string(data[0:4]) == "fLaC":
		return FormatFLAC
	case len(data) >= 8 && string(data[4:8]) == "ftyp":
		return FormatMP4
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wav", ".wave":
		return FormatWAV
	case ".mp3":
		return FormatMP3
	case ".flac":
		return FormatFLAC
	case ".m4a", ".mp4", ".aac", ".mov":
		return FormatMP4
	}
	return FormatUnknown
}

// Duration returns the payload duration in seconds. ok is false when the
// duration could not be determined.
func Duration(ctx context.Context, data []byte, filename string) (seconds float64, ok bool) {
	format := Detect(data, filename)
	if format == FormatUnknown {
		logging.Warn(ctx, "Could not identify audio format", logging.Fields{"filename": filename})
		return 0, false
	}

	d, err := parse(format, data)
	if err != nil {
		logging.Warn(ctx, "Could not parse audio file, allowing through", logging.Fields{
			"filename": filename,
			"format":   string(format),
			"error":    err.Error(),
		})
		return 0, false
	}
	seconds = d.Seconds()
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		logging.Warn(ctx, "Audio file has no duration metadata", logging.Fields{
			"filename": filename,
			"format":   string(format),
		})
		return 0, false
	}
	logging.Debug(ctx, "Audio duration extracted", logging.Fields{
		"filename":         filename,
		"format":           string(format),
		"duration_seconds": fmt.Sprintf("%.2f", seconds),
	})
	return seconds, true
}

// CheckDuration rejects payloads whose known duration is strictly above
// maxSeconds. A non-positive maxSeconds disables the check.
func CheckDuration(ctx context.Context, data []byte, filename string, maxSeconds float64) error {
	if maxSeconds <= 0 {
		return nil
	}
	seconds, ok := Duration(ctx, data, filename)
	if !ok {
		logging.Info(ctx, "Audio duration unknown, allowing file", logging.Fields{"filename": filename})
		return nil
	}
	if seconds > maxSeconds {
		return &DurationExceededError{Actual: seconds, Max: maxSeconds}
	}
	return nil
}

// parse recovers parser panics so a hostile upload can only yield an error.
func parse(format Format, data []byte) (d time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = 0, fmt.Errorf("%s parser panic: %v", format, r)
		}
	}()
	switch format {
	case FormatWAV:
		return wavDuration(data)
	case FormatMP3:
		return mp3Duration(data)
	case FormatFLAC:
		return flacDuration(data)
	case FormatMP4:
		return mp4Duration(data)
	default:
		return 0, errors.New("unsupported format")
	}
}

func wavDuration(data []byte) (time.Duration, error) {
	br := bytes.NewReader(data)
	dec := wav.NewDecoder(br)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return 0, err
	}
	if dec.NumChans == 0 || dec.AvgBytesPerSec == 0 {
		return 0, errors.New("invalid wav fmt chunk")
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, err
	}
	// The decoder reads br unbuffered, so what is left is the PCM payload.
	// Streaming writers leave the data size at 0 or 0xFFFFFFFF (which the
	// decoder pads to 0); both, and oversized headers, fall back to the bytes
	// actually present. Samples are never read.
	size := int64(dec.PCMSize)
	if avail := int64(br.Len()); size <= 0 || size > avail {
		size = avail
	}
	return time.Duration(float64(size) / float64(dec.AvgBytesPerSec) * float64(time.Second)), nil
}

func mp3Duration(data []byte) (time.Duration, error) {
	dec := mp3.NewDecoder(bytes.NewReader(data))
	var (
		frame   mp3.Frame
		skipped int
		total   time.Duration
		frames  int
	)
	for {
		if err := dec.Decode(&frame, &skipped); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if frames > 0 {
				// Trailing garbage after valid frames.
				break
			}
			return 0, err
		}
		total += frame.Duration()
		frames++
	}
	if frames == 0 {
		return 0, errors.New("no mp3 frames")
	}
	return total, nil
}

func flacDuration(data []byte) (time.Duration, error) {
	stream, err := flac.New(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	info := stream.Info
	if info == nil || info.SampleRate == 0 || info.NSamples == 0 {
		return 0, errors.New("flac stream info lacks length")
	}
	return time.Duration(float64(info.NSamples) / float64(info.SampleRate) * float64(time.Second)), nil
}

func mp4Duration(data []byte) (time.Duration, error) {
	info, err := mp4.Probe(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	if info.Timescale == 0 || info.Duration == 0 {
		return 0, errors.New("mp4 movie header lacks duration")
	}
	return time.Duration(float64(info.Duration) / float64(info.Timescale) * float64(time.Second)), nil
}
