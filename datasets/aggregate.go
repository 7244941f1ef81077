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
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Aggregate concatenates adapters into one index space. With extension
// enabled, every adapter occupies the same number of slots (the length of the
// largest one) and shorter adapters repeat cyclically, so a small dataset is
// not drowned out by a large one.
type Aggregate struct {
	adapters []Adapter
	extend   bool
	maxLen   int
}

// NewAggregate builds the combined dataset over the given adapters.
func NewAggregate(adapters []Adapter, extend bool) (*Aggregate, error) {
	if len(adapters) == 0 {
		return nil, errors.Wrap(ErrEmptyDataset, "aggregate requires at least one dataset")
	}
	maxLen := 0
	descriptions := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		n := adapter.Len()
		if n <= 0 {
			return nil, errors.Wrapf(ErrEmptyDataset, "dataset %q has no items", adapter.Name())
		}
		if n > maxLen {
			maxLen = n
		}
		descriptions = append(descriptions, describeLen(adapter.Name(), n))
	}
	agg := &Aggregate{adapters: adapters, extend: extend, maxLen: maxLen}
	klog.V(1).Infof("aggregate dataset (%d items, extend=%v): %s",
		agg.Len(), extend, strings.Join(descriptions, ", "))
	return agg, nil
}

// Name implements Adapter.
func (agg *Aggregate) Name() string { return "aggregate" }

// Len implements Adapter. With extension it is numAdapters*maxLen, without it
// the plain sum of lengths.
func (agg *Aggregate) Len() int {
	if agg.extend {
		return len(agg.adapters) * agg.maxLen
	}
	total := 0
	for _, adapter := range agg.adapters {
		total += adapter.Len()
	}
	return total
}

// At implements Adapter. Adapters occupy contiguous index ranges in
// construction order; with extension, an index past an adapter's real length
// wraps around cyclically.
func (agg *Aggregate) At(i int) (*Item, error) {
	if err := checkIndex(i, agg.Len(), agg.Name()); err != nil {
		return nil, err
	}
	for _, adapter := range agg.adapters {
		span := adapter.Len()
		if agg.extend {
			span = agg.maxLen
		}
		if i < span {
			return adapter.At(i % adapter.Len())
		}
		i -= span
	}
	// Unreachable, the index was validated against Len().
	return nil, errors.Wrapf(ErrOutOfRange, "index %d of dataset %q", i, agg.Name())
}
