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

package ipc

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewRequestID generates a fairly unique request ID for the given process.
func NewRequestID(pid int) string {
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%d-%d-%s", pid, time.Now().UnixMilli(), suffix)
}
