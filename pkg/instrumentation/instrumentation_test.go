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

package instrumentation_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/ramalloc/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/ramalloc/pkg/instrumentation"
	"github.com/containers/ramalloc/pkg/metrics"
	"github.com/containers/ramalloc/pkg/metrics/collectors"
)

func get(t *testing.T, address, path string) (int, string) {
	rpl, err := http.Get("http://" + address + path)
	require.NoError(t, err)
	defer rpl.Body.Close()

	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)

	return rpl.StatusCode, string(body)
}

func TestPrometheusExport(t *testing.T) {
	for _, export := range []bool{true, false} {
		r := metrics.NewRegistry()
		require.NoError(t, collectors.Register(r))

		s := instrumentation.New(&cfgapi.Config{
			HTTPEndpoint:     "127.0.0.1:0",
			PrometheusExport: export,
			Metrics:          []string{"*"},
		}, r)
		s.Router().Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("pong"))
		})

		require.NoError(t, s.Start())
		address := s.Address()
		require.NotEmpty(t, address)

		status, body := get(t, address, "/ping")
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "pong", body)

		status, body = get(t, address, "/metrics")
		if export {
			require.Equal(t, http.StatusOK, status)
			require.Contains(t, body, "ramalloc_version_info")
		} else {
			require.Equal(t, http.StatusNotFound, status)
		}

		s.Stop()
		require.Empty(t, s.Address())
	}
}

func TestDisabledEndpoint(t *testing.T) {
	s := instrumentation.New(&cfgapi.Config{}, metrics.NewRegistry())
	require.NoError(t, s.Start())
	require.Empty(t, s.Address())
	s.Stop()
}
