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

package datasets

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// captionRecord is one entry of a caption corpus, as produced by an external
// video captioning tool.
type captionRecord struct {
	VideoPath string `json:"video_path"`
	Prompt    string `json:"prompt"`
}

// captionCorpus is the on-disk layout of the caption file: either a bare
// record array, or an object with a "data" array.
type captionCorpus struct {
	Name string          `json:"name"`
	Data []captionRecord `json:"data"`
}

// JSON is the caption-corpus dataset: records enumerated from a JSON file,
// each naming a source video and its caption. Sampling uses the same
// frame-step stride as single_video.
type JSON struct {
	spec    *Spec
	opts    *Options
	name    string
	records []captionRecord
}

// NewJSON validates and parses the caption corpus. Records whose video file
// does not resolve are dropped with a warning; zero usable records fail with
// ErrEmptyDataset.
func NewJSON(spec *Spec, opts *Options) (*JSON, error) {
	if spec.JSONPath == "" {
		return nil, errors.Wrap(ErrConfiguration, "json dataset requires json_path")
	}
	data, err := os.ReadFile(spec.JSONPath)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "json_path %q: %v", spec.JSONPath, err)
	}
	var corpus captionCorpus
	if err = json.Unmarshal(data, &corpus); err != nil {
		// Also accept a bare array of records.
		if err2 := json.Unmarshal(data, &corpus.Data); err2 != nil {
			return nil, errors.Wrapf(err, "failed to parse caption corpus %q", spec.JSONPath)
		}
	}
	baseDir := filepath.Dir(spec.JSONPath)
	ds := &JSON{spec: spec, opts: opts, name: corpus.Name}
	for _, record := range corpus.Data {
		if record.VideoPath == "" {
			continue
		}
		if !filepath.IsAbs(record.VideoPath) {
			record.VideoPath = filepath.Join(baseDir, record.VideoPath)
		}
		if _, err := os.Stat(record.VideoPath); err != nil {
			klog.Warningf("caption corpus %q: dropping record with missing video %q",
				spec.JSONPath, record.VideoPath)
			continue
		}
		ds.records = append(ds.records, record)
	}
	if len(ds.records) == 0 {
		return nil, errors.Wrapf(ErrEmptyDataset, "caption corpus %q has no usable records", spec.JSONPath)
	}
	return ds, nil
}

// Name implements Adapter.
func (ds *JSON) Name() string {
	if ds.name != "" {
		return "json:" + ds.name
	}
	return "json"
}

// Len implements Adapter.
func (ds *JSON) Len() int { return len(ds.records) }

// At implements Adapter.
func (ds *JSON) At(i int) (*Item, error) {
	if err := checkIndex(i, len(ds.records), ds.Name()); err != nil {
		return nil, err
	}
	record := ds.records[i]
	src, err := ds.opts.opener()(record.VideoPath)
	if err != nil {
		return nil, err
	}
	prompt := record.Prompt
	if prompt == "" {
		prompt = ds.spec.Prompt
	}
	return loadItem(src, prompt,
		ds.spec.SampleStartIdx, ds.spec.FrameStep, ds.spec.NSampleFrames, ds.opts)
}
