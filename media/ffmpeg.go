/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package media

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// videoSource decodes frames of one video file with ffmpeg on demand.
// Decoded frames are kept, so re-reading the same index is free.
type videoSource struct {
	path      string
	numFrames int
	fps       float64
	frames    map[int]image.Image
}

// ffprobeStream is the subset of `ffprobe -show_streams` output we consume.
type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	NbFrames     string `json:"nb_frames"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

func openVideo(path string) (Source, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error", "-select_streams", "v:0",
		"-show_streams", "-count_frames",
		"-of", "json", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "failed to run %q", cmd)
	}
	var probe ffprobeOutput
	if err := json.Unmarshal(out.Bytes(), &probe); err != nil {
		return nil, errors.Wrapf(err, "failed to parse ffprobe output for %q", path)
	}
	var video *ffprobeStream
	for i := range probe.Streams {
		if probe.Streams[i].CodecType == "video" {
			video = &probe.Streams[i]
			break
		}
	}
	if video == nil {
		return nil, errors.Errorf("no video stream found in %q", path)
	}
	numFrames, err := strconv.Atoi(video.NbFrames)
	if err != nil || numFrames <= 0 {
		return nil, errors.Errorf("ffprobe reported invalid frame count %q for %q", video.NbFrames, path)
	}
	fps := parseRate(video.AvgFrameRate)
	if fps == 0 {
		fps = parseRate(video.RFrameRate)
	}
	return &videoSource{
		path:      path,
		numFrames: numFrames,
		fps:       fps,
		frames:    make(map[int]image.Image),
	}, nil
}

// parseRate parses ffprobe's "num/den" rational frame rates.
func parseRate(rate string) float64 {
	num, den, found := strings.Cut(rate, "/")
	if !found {
		v, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return 0
		}
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func (v *videoSource) NumFrames() int { return v.numFrames }
func (v *videoSource) FPS() float64   { return v.fps }
func (v *videoSource) Path() string   { return v.path }

func (v *videoSource) Frame(i int) (image.Image, error) {
	if i < 0 || i >= v.numFrames {
		return nil, errors.Wrapf(ErrOutOfRange, "video %q has %d frames, requested frame %d",
			v.path, v.numFrames, i)
	}
	if img, found := v.frames[i]; found {
		return img, nil
	}
	cmd := exec.Command("ffmpeg",
		"-v", "error", "-i", v.path,
		"-vf", fmt.Sprintf(`select=eq(n\,%d)`, i),
		"-vframes", "1", "-f", "image2", "-vcodec", "png", "pipe:1")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "failed to run %q", cmd)
	}
	img, _, err := image.Decode(&out)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode frame %d of %q", i, v.path)
	}
	v.frames[i] = img
	return img, nil
}
