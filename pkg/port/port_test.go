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

package port_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/ramalloc/pkg/port"
)

func TestPortFIFO(t *testing.T) {
	p := port.NewBuffered(1, 3)

	require.Equal(t, port.Empty, p.Read())
	require.Equal(t, port.Empty, p.Peek())
	require.True(t, p.IsEmpty())

	require.True(t, p.TryWrite("a"))
	require.True(t, p.TryWrite("b"))
	require.True(t, p.TryWrite("c"))
	require.True(t, p.IsFull())
	require.False(t, p.TryWrite("d"), "write to full port")
	require.Equal(t, 3, p.Len())

	require.Equal(t, "a", p.Peek())
	require.Equal(t, "a", p.Read())
	require.Equal(t, "b", p.Read())
	require.True(t, p.TryWrite("d"))
	require.Equal(t, "c", p.Read())
	require.Equal(t, "d", p.Read())
	require.Equal(t, port.Empty, p.Read())
}

func TestPortTake(t *testing.T) {
	p := port.NewBuffered(1, 10)
	for _, msg := range []int{1, 2, 3, 4, 2} {
		require.True(t, p.TryWrite(msg))
	}

	msg, ok := p.Take(func(m any) bool { return m.(int) == 2 })
	require.True(t, ok)
	require.Equal(t, 2, msg)

	_, ok = p.Take(func(m any) bool { return m.(int) == 5 })
	require.False(t, ok)

	var rest []any
	for !p.IsEmpty() {
		rest = append(rest, p.Read())
	}
	require.Equal(t, []any{1, 3, 4, 2}, rest)
}

func TestPortClear(t *testing.T) {
	p := port.NewBuffered(1, 2)
	p.TryWrite(1)
	p.TryWrite(2)
	p.Clear()
	require.True(t, p.IsEmpty())
	require.True(t, p.TryWrite(3))
}

func TestPortNextWrite(t *testing.T) {
	p := port.NewBuffered(1, 2)

	next := p.NextWrite()
	select {
	case <-next:
		t.Fatal("next write signalled before any write")
	default:
	}

	p.TryWrite("x")
	select {
	case <-next:
	case <-time.After(time.Second):
		t.Fatal("next write not signalled")
	}

	next = p.NextWrite()
	p.TryWrite("y")
	require.False(t, p.TryWrite("z"))
	<-next

	next = p.NextWrite()
	require.False(t, p.TryWrite("z"), "failed write")
	select {
	case <-next:
		t.Fatal("failed write signalled")
	default:
	}
}

func TestPortConcurrentWriters(t *testing.T) {
	const (
		writers   = 8
		perWriter = 100
	)

	p := port.NewBuffered(1, writers*perWriter)
	wg := sync.WaitGroup{}
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				require.True(t, p.TryWrite(w*perWriter+i))
			}
		}(w)
	}
	wg.Wait()

	last := make(map[int]int)
	for msg := p.Read(); msg != port.Empty; msg = p.Read() {
		v := msg.(int)
		w := v / perWriter
		if prev, ok := last[w]; ok {
			require.Greater(t, v, prev, "per-writer order")
		}
		last[w] = v
	}
	require.Len(t, last, writers)
}

func TestRegistry(t *testing.T) {
	r := port.NewRegistry(5)

	p1 := r.Get(7)
	require.Same(t, p1, r.Get(7))
	require.Equal(t, 7, p1.Number())
	require.Equal(t, 5, p1.Capacity())

	n := port.NumberFor("memory")
	require.Equal(t, n, port.NumberFor("memory"))
	require.GreaterOrEqual(t, n, port.MinDynamicNumber)
	require.Equal(t, n, r.Get(n).Number())
	require.ElementsMatch(t, []int{7, n}, r.Numbers())
}
