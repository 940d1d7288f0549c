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

	logger "github.com/containers/ramalloc/pkg/log"
)

var (
	log     = logger.Get("libmem")
	details = logger.Get("libmem-details")
)

func (a *Allocator) DumpConfig(context ...interface{}) {
	prefix := formatPrefix(context...)
	log.Info("%sRAM allocator with %d workers", prefix, len(a.workers))
	a.DumpWorkers(prefix)
}

func (a *Allocator) DumpState(context ...interface{}) {
	if !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)
	details.Debug("%s  free RAM total %.2f GB", prefix, a.FreeRamTotal())
	for _, w := range a.workers {
		details.Debug("%s    - %s", prefix, w)
	}
}

func (a *Allocator) DumpWorkers(context ...interface{}) {
	prefix := formatPrefix(context...)

	if len(a.workers) == 0 {
		log.Info("%s  no workers", prefix)
		return
	}

	for _, w := range a.workers {
		log.Info("%s  %s with %d cores", prefix, w, w.cores)
	}
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!libmem:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
