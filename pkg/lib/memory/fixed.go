// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package libmem

import (
	"fmt"
	"math"

	"github.com/docker/go-units"
)

// Fixed is an amount of RAM in hundredths of a GB.
type Fixed int64

const (
	// FixedScale is the number of Fixed units in a GB.
	FixedScale = 100
	// MaxChunkSize is the largest chunk size in GB which converts to Fixed.
	MaxChunkSize = float64(math.MaxInt64/FixedScale) / 2
)

// ToFixed converts the given amount of RAM in GB to Fixed, rounding
// to the nearest hundredth of a GB.
func ToFixed(gb float64) Fixed {
	return Fixed(math.Round(gb * FixedScale))
}

// FromFixed converts the given Fixed amount of RAM to GB.
func FromFixed(f Fixed) float64 {
	return float64(f) / FixedScale
}

// GB returns the amount of RAM in GB.
func (f Fixed) GB() float64 {
	return FromFixed(f)
}

// String returns a human readable representation of the amount of RAM.
func (f Fixed) String() string {
	return prettySize(f)
}

// chunkTotal returns the total amount of RAM taken by numChunks chunks.
// The arguments must have passed checkChunks.
func chunkTotal(chunkSize float64, numChunks int) Fixed {
	return ToFixed(chunkSize) * Fixed(numChunks)
}

// checkChunks returns the total amount of RAM taken by numChunks chunks,
// or ErrInvalidRequest if that is not a positive amount representable as
// Fixed.
func checkChunks(chunkSize float64, numChunks int) (Fixed, error) {
	switch {
	case math.IsNaN(chunkSize) || math.IsInf(chunkSize, 0):
		return 0, fmt.Errorf("%w: invalid chunk size %f", ErrInvalidRequest, chunkSize)
	case chunkSize <= 0 || chunkSize > MaxChunkSize:
		return 0, fmt.Errorf("%w: chunk size %.2f GB out of range", ErrInvalidRequest, chunkSize)
	case numChunks <= 0:
		return 0, fmt.Errorf("%w: invalid number of chunks %d", ErrInvalidRequest, numChunks)
	}

	chunk := ToFixed(chunkSize)
	if chunk <= 0 {
		return 0, fmt.Errorf("%w: chunk size %f below %.2f GB", ErrInvalidRequest, chunkSize,
			1.0/FixedScale)
	}
	if Fixed(numChunks) > math.MaxInt64/chunk {
		return 0, fmt.Errorf("%w: %d chunks of %.2f GB overflow", ErrInvalidRequest,
			numChunks, chunkSize)
	}

	return chunk * Fixed(numChunks), nil
}

func prettySize(f Fixed) string {
	if f < 0 {
		return "-" + units.HumanSize(-FromFixed(f)*1e9)
	}
	return units.HumanSize(FromFixed(f) * 1e9)
}
