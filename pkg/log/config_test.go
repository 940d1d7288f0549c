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

package log

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/ramalloc/pkg/apis/config/v1alpha1/log"
)

func TestSourceMapParsing(t *testing.T) {
	type testCase struct {
		name   string
		value  string
		result srcmap
		fail   bool
	}

	for _, tc := range []*testCase{
		{
			name:   "empty",
			value:  "",
			result: srcmap{},
		},
		{
			name:   "implicitly enabled sources",
			value:  "libmem,memory-service",
			result: srcmap{"libmem": true, "memory-service": true},
		},
		{
			name:   "state carried over to following sources",
			value:  "off:libmem,ipc,on:launch",
			result: srcmap{"libmem": false, "ipc": false, "launch": true},
		},
		{
			name:   "all is a wildcard",
			value:  "on:all",
			result: srcmap{"*": true},
		},
		{
			name:  "invalid state",
			value: "maybe:libmem",
			fail:  true,
		},
		{
			name:  "invalid spec",
			value: "on:libmem:extra",
			fail:  true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := make(srcmap)
			err := m.parse(tc.value)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.result, m)
		})
	}
}

func TestConfigureDebugSources(t *testing.T) {
	defer func() {
		require.NoError(t, Configure(&cfgapi.Config{}))
	}()

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"on:test-a,off:test-b"}}))
	require.True(t, Get("test-a").DebugEnabled())
	require.False(t, Get("test-b").DebugEnabled())
	require.False(t, Get("test-c").DebugEnabled())

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"*", "off:test-b"}}))
	require.True(t, Get("test-c").DebugEnabled())
	require.False(t, Get("test-b").DebugEnabled())

	require.Error(t, Configure(&cfgapi.Config{Debug: []string{"bogus:test-a"}}))
}

func TestForcedDebug(t *testing.T) {
	require.NoError(t, Configure(&cfgapi.Config{}))
	require.False(t, Get("forced").DebugEnabled())

	prev := EnableDebug(true)
	defer EnableDebug(prev)

	require.True(t, Get("forced").DebugEnabled())
}

func TestSourceMapString(t *testing.T) {
	m := srcmap{"launch": true, "libmem": true, "ipc": false}
	require.Equal(t, "on:launch,libmem,off:ipc", m.String())

	parsed := make(srcmap)
	require.NoError(t, parsed.parse(m.String()))
	require.Equal(t, m, parsed)

	require.Equal(t, "", srcmap{}.String())
}

func TestSlogLogger(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)
	defer func() {
		require.NoError(t, Configure(&cfgapi.Config{}))
	}()

	SetSlogLogger("slog-test")
	h, ok := slog.Default().Handler().(*slogger)
	require.True(t, ok)
	require.Equal(t, "slog-test", h.l.Source())

	ctx := context.Background()
	require.True(t, h.Enabled(ctx, slog.LevelError))
	require.False(t, h.Enabled(ctx, slog.LevelDebug))

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"slog-test"}}))
	require.True(t, h.Enabled(ctx, slog.LevelDebug))
}
