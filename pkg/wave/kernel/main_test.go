// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kernel

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
)

func TestMain(m *testing.M) {
	waitForAntsPurge()
	os.Exit(m.Run())
}

// ants starts the purge goroutine of its default pool at init. Leak checks
// only ignore goroutines that were running when they started, so wait for it.
func waitForAntsPurge() {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, stack := range leaktest.GetInterestedGoroutines() {
			if strings.Contains(stack, "purgePeriodically") {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
}
