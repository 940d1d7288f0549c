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

package libmem_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/ramalloc/pkg/lib/memory"
)

func TestWorkerAllocateAndFree(t *testing.T) {
	w := NewWorker("a", 8, 0)

	ha, err := w.Allocate(2, 1)
	require.NoError(t, err)
	require.Equal(t, &HostAllocation{Hostname: "a", ChunkSize: 2, NumChunks: 1}, ha)
	require.Equal(t, 2.0, w.UsedRam())
	require.Equal(t, 6.0, w.FreeRam())

	require.NoError(t, w.Free(2, 1))
	require.Equal(t, 0.0, w.UsedRam())
	require.Equal(t, 8.0, w.FreeRam())
}

func TestWorkerSetAside(t *testing.T) {
	w := NewWorker("home", 8, 2)
	require.Equal(t, 6.0, w.FreeRam())
	require.Equal(t, 0.0, w.UsedRam())

	_, err := w.Allocate(1, 7)
	require.ErrorIs(t, err, ErrAllocationDenied)

	_, err = w.Allocate(1, 6)
	require.NoError(t, err)
	require.Equal(t, 0.0, w.FreeRam())

	w.UpdateSetAsideRam(4)
	require.Equal(t, -2.0, w.FreeRam())

	w.UpdateTotalRam(16)
	require.Equal(t, 6.0, w.FreeRam())
}

func TestWorkerAllocateIsAllOrNothing(t *testing.T) {
	w := NewWorker("a", 8, 0)

	_, err := w.Allocate(3, 3)
	require.ErrorIs(t, err, ErrAllocationDenied)
	require.Equal(t, 0.0, w.UsedRam())

	_, err = w.Allocate(4, 2)
	require.NoError(t, err)
	require.Equal(t, 8.0, w.UsedRam())

	_, err = w.Allocate(0.01, 1)
	require.ErrorIs(t, err, ErrAllocationDenied)
}

func TestWorkerInvalidRequests(t *testing.T) {
	w := NewWorker("a", 8, 0)

	_, err := w.Allocate(0, 1)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = w.Allocate(1, 0)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = w.Allocate(-1, 2)
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorIs(t, w.Free(1, -1), ErrInvalidRequest)
	require.Equal(t, 0.0, w.UsedRam())

	for _, tc := range []struct {
		chunkSize float64
		numChunks int
	}{
		{chunkSize: 1, numChunks: math.MaxInt64/FixedScale + 1},
		{chunkSize: 1e17, numChunks: 1},
		{chunkSize: math.NaN(), numChunks: 1},
		{chunkSize: math.Inf(1), numChunks: 1},
		{chunkSize: 3, numChunks: math.MaxInt64 / 200},
	} {
		_, err = w.Allocate(tc.chunkSize, tc.numChunks)
		require.ErrorIs(t, err, ErrInvalidRequest, "%d x %f", tc.numChunks, tc.chunkSize)
		require.ErrorIs(t, w.Free(tc.chunkSize, tc.numChunks), ErrInvalidRequest)
		require.Equal(t, Fixed(0), w.Allocated())
	}
}

func TestWorkerOverRelease(t *testing.T) {
	w := NewWorker("a", 8, 0)

	require.ErrorIs(t, w.Free(1, 1), ErrOverRelease)
	require.Equal(t, Fixed(0), w.Allocated())

	_, err := w.Allocate(1.6, 2)
	require.NoError(t, err)

	require.ErrorIs(t, w.Free(1.6, 3), ErrOverRelease)
	require.Equal(t, ToFixed(3.2), w.Allocated())

	require.NoError(t, w.Free(1.6, 2))
	require.ErrorIs(t, w.Free(1.6, 1), ErrOverRelease)
	require.Equal(t, Fixed(0), w.Allocated())
}

func TestWorkerAccountingInvariant(t *testing.T) {
	var (
		w      = NewWorker("a", 64, 3.5)
		rnd    = rand.New(rand.NewSource(1))
		held   []*HostAllocation
		sizes  = []float64{1.6, 1.7, 1.75, 2.45, 4}
		usable = w.Total() - w.SetAside()
	)

	for i := 0; i < 5000; i++ {
		before := w.Available()
		if len(held) == 0 || rnd.Intn(3) != 0 {
			size := sizes[rnd.Intn(len(sizes))]
			n := 1 + rnd.Intn(8)
			ha, err := w.Allocate(size, n)
			if ToFixed(size)*Fixed(n) > before {
				require.ErrorIs(t, err, ErrAllocationDenied)
				require.Nil(t, ha)
			} else {
				require.NoError(t, err)
				held = append(held, ha)
			}
		} else {
			idx := rnd.Intn(len(held))
			ha := held[idx]
			require.NoError(t, w.Free(ha.ChunkSize, ha.NumChunks))
			held = append(held[:idx], held[idx+1:]...)
		}

		require.Equal(t, usable, w.Available()+w.Allocated())
		require.GreaterOrEqual(t, w.Allocated(), Fixed(0))
		require.LessOrEqual(t, w.Allocated(), usable)
	}

	for _, ha := range held {
		require.NoError(t, w.Free(ha.ChunkSize, ha.NumChunks))
	}
	require.Equal(t, Fixed(0), w.Allocated())
}
