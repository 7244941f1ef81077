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

package lora

import (
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// The additive-delta form persists as a ".safetensors" container: an 8-byte
// little-endian header length, a JSON header mapping tensor names to
// dtype/shape/offsets (plus a "__metadata__" entry), then the raw payloads,
// contiguous and in offset order. Keys follow the scheme third-party
// inference front-ends expect ("lora_<site>.lora_down.weight",
// ".lora_up.weight" and a scalar ".alpha" per site), payloads as float16.
//
// The embedding-residual form has no third-party consumer; it persists as a
// gob stream of named float32 factors that only Load reads back.

const (
	metadataKey = "__metadata__"
	formatPT    = "pt"
)

type headerEntry struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets []uint64 `json:"data_offsets"`
}

// siteKey flattens a context scope into a serialization key:
// "/unet/down0/attn1" becomes "lora_unet_down0_attn1".
func siteKey(scope string) string {
	flat := strings.ReplaceAll(strings.Trim(scope, "/"), "/", "_")
	return "lora_" + flat
}

// Save serializes only the injected factors of inj, in its configured form,
// atomically (temp file plus rename).
func Save(path string, inj *Injection) error {
	named, metadata, err := collectTensors(inj)
	if err != nil {
		return err
	}
	write := writeSafetensors
	if inj.Config.Form == FormEmbeddingResidual {
		write = writeGobAdapter
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "creating adapter file %q", path)
	}
	if err = write(f, named, metadata); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return errors.WithMessagef(err, "writing adapter file %q", path)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "closing adapter file %q", path)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "committing adapter file %q", path)
	}
	klog.V(1).Infof("saved %d adapter sites to %q (form=%s)", len(inj.Sites), path, inj.Config.Form)
	return nil
}

// collectTensors flattens an injection into named payloads plus the "ss_*"
// metadata entries describing the training configuration.
func collectTensors(inj *Injection) (map[string]*tensors.Tensor, map[string]string, error) {
	named := make(map[string]*tensors.Tensor, 3*len(inj.Sites))
	for _, site := range inj.Sites {
		key := siteKey(site.Scope)
		down := site.Down.Value()
		if down == nil {
			return nil, nil, errors.Errorf("site %q has no materialized down factor", site.Scope)
		}
		up := site.Up.Value()
		if up == nil {
			return nil, nil, errors.Errorf("site %q has no materialized up factor", site.Scope)
		}
		named[key+".lora_down.weight"] = down
		named[key+".lora_up.weight"] = up
		named[key+".alpha"] = tensors.FromScalar(float32(inj.Config.Alpha))
	}
	metadata := map[string]string{
		"format":             formatPT,
		"ss_network_dim":     strconv.Itoa(inj.Config.Rank),
		"ss_network_alpha":   fmt.Sprintf("%g", inj.Config.Alpha),
		"ss_network_dropout": fmt.Sprintf("%g", inj.Config.Dropout),
		"ss_adapter_form":    string(inj.Config.Form),
	}
	return named, metadata, nil
}

func writeSafetensors(w io.Writer, named map[string]*tensors.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	// Convert payloads to fp16 and lay them out contiguously.
	header := make(map[string]any, len(named)+1)
	header[metadataKey] = metadata
	var payloads [][]byte
	var offset uint64
	for _, name := range names {
		payload, dims, err := toFloat16Bytes(named[name])
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", name)
		}
		header[name] = &headerEntry{
			DType:   "F16",
			Shape:   dims,
			Offsets: []uint64{offset, offset + uint64(len(payload))},
		}
		offset += uint64(len(payload))
		payloads = append(payloads, payload)
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshaling header")
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	if _, err = w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "writing header length")
	}
	if _, err = w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "writing header")
	}
	for i, payload := range payloads {
		if _, err = w.Write(payload); err != nil {
			return errors.Wrapf(err, "writing payload of %q", names[i])
		}
	}
	return nil
}

func toFloat16Bytes(t *tensors.Tensor) (payload []byte, dims []int, err error) {
	dims = t.Shape().Dimensions
	if len(dims) == 0 {
		dims = []int{} // Scalars serialize with an explicit empty shape.
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("unsupported dtype %s, only float32 factors serialize", t.DType())
		}
	}()
	tensors.ConstFlatData[float32](t, func(flat []float32) {
		payload = make([]byte, 2*len(flat))
		for i, v := range flat {
			binary.LittleEndian.PutUint16(payload[2*i:], float16.Fromfloat32(v).Bits())
		}
	})
	return
}

// Load reads a previously saved adapter and installs its factors onto the
// matching sites of inj, which must have been built over the same model
// topology and form. Sites present in the file but absent from the model, or
// the other way around, fail with ErrTopologyMismatch.
func Load(path string, inj *Injection) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening adapter file %q", path)
	}
	defer func() { _ = f.Close() }()
	read := readSafetensors
	if inj.Config.Form == FormEmbeddingResidual {
		read = readGobAdapter
	}
	named, metadata, err := read(f)
	if err != nil {
		return errors.WithMessagef(err, "reading adapter file %q", path)
	}
	if form := Form(metadata["ss_adapter_form"]); form != "" && form != inj.Config.Form {
		return errors.Wrapf(ErrTopologyMismatch,
			"adapter form %q in %q, model injected with %q", form, path, inj.Config.Form)
	}
	consumed := 0
	for _, site := range inj.Sites {
		key := siteKey(site.Scope)
		down, okDown := named[key+".lora_down.weight"]
		up, okUp := named[key+".lora_up.weight"]
		if !okDown || !okUp {
			return errors.Wrapf(ErrTopologyMismatch, "adapter %q has no factors for site %q", path, site.Scope)
		}
		if !down.Shape().Equal(site.Down.Shape()) || !up.Shape().Equal(site.Up.Shape()) {
			return errors.Wrapf(ErrTopologyMismatch,
				"factor shapes %s/%s in %q do not match site %q (%s/%s)",
				down.Shape(), up.Shape(), path, site.Scope, site.Down.Shape(), site.Up.Shape())
		}
		site.Down.SetValue(down)
		site.Up.SetValue(up)
		consumed += 2
		if _, ok := named[key+".alpha"]; ok {
			consumed++
		}
	}
	if consumed != len(named) {
		return errors.Wrapf(ErrTopologyMismatch,
			"adapter %q holds %d tensors, model consumed %d", path, len(named), consumed)
	}
	klog.V(1).Infof("loaded %d adapter sites from %q", len(inj.Sites), path)
	return nil
}

func readSafetensors(r io.Reader) (map[string]*tensors.Tensor, map[string]string, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, errors.Wrap(err, "reading header length")
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, nil, errors.Wrap(err, "reading header")
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &rawHeader); err != nil {
		return nil, nil, errors.Wrap(err, "parsing header")
	}

	metadata := map[string]string{}
	type pending struct {
		name  string
		entry headerEntry
	}
	var entries []pending
	for name, raw := range rawHeader {
		if name == metadataKey {
			if err := json.Unmarshal(raw, &metadata); err != nil {
				return nil, nil, errors.Wrap(err, "parsing metadata")
			}
			continue
		}
		var entry headerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, nil, errors.Wrapf(err, "parsing header entry %q", name)
		}
		if entry.DType != "F16" {
			return nil, nil, errors.Errorf("tensor %q has dtype %q, only F16 adapters load", name, entry.DType)
		}
		if len(entry.Offsets) != 2 || entry.Offsets[1] < entry.Offsets[0] {
			return nil, nil, errors.Errorf("tensor %q has invalid data_offsets %v", name, entry.Offsets)
		}
		entries = append(entries, pending{name: name, entry: entry})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].entry.Offsets[0] < entries[j].entry.Offsets[0]
	})

	named := make(map[string]*tensors.Tensor, len(entries))
	var lastOffset uint64
	for _, p := range entries {
		if p.entry.Offsets[0] != lastOffset {
			return nil, nil, errors.Errorf("tensor %q payload not contiguous at offset %d", p.name, p.entry.Offsets[0])
		}
		lastOffset = p.entry.Offsets[1]
		payload := make([]byte, p.entry.Offsets[1]-p.entry.Offsets[0])
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, errors.Wrapf(err, "reading payload of %q", p.name)
		}
		numElements := 1
		for _, dim := range p.entry.Shape {
			numElements *= dim
		}
		if len(payload) != 2*numElements {
			return nil, nil, errors.Errorf("tensor %q has %d payload bytes for shape %v", p.name, len(payload), p.entry.Shape)
		}
		flat := make([]float32, numElements)
		for i := range flat {
			flat[i] = float16.Frombits(binary.LittleEndian.Uint16(payload[2*i:])).Float32()
		}
		if len(p.entry.Shape) == 0 {
			named[p.name] = tensors.FromScalar(flat[0])
		} else {
			named[p.name] = tensors.FromFlatDataAndDimensions(flat, p.entry.Shape...)
		}
	}
	return named, metadata, nil
}

// writeGobAdapter streams the embedding-residual form: the metadata map, the
// sorted tensor names, then each factor in name order.
func writeGobAdapter(w io.Writer, named map[string]*tensors.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)
	enc := gob.NewEncoder(w)
	if err := enc.Encode(metadata); err != nil {
		return errors.Wrap(err, "encoding metadata")
	}
	if err := enc.Encode(names); err != nil {
		return errors.Wrap(err, "encoding tensor names")
	}
	for _, name := range names {
		if err := named[name].GobSerialize(enc); err != nil {
			return errors.Wrapf(err, "encoding tensor %q", name)
		}
	}
	return nil
}

func readGobAdapter(r io.Reader) (map[string]*tensors.Tensor, map[string]string, error) {
	dec := gob.NewDecoder(r)
	metadata := map[string]string{}
	if err := dec.Decode(&metadata); err != nil {
		return nil, nil, errors.Wrap(err, "decoding metadata")
	}
	var names []string
	if err := dec.Decode(&names); err != nil {
		return nil, nil, errors.Wrap(err, "decoding tensor names")
	}
	named := make(map[string]*tensors.Tensor, len(names))
	for _, name := range names {
		t, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "decoding tensor %q", name)
		}
		named[name] = t
	}
	return named, metadata, nil
}
