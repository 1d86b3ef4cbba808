/*
 * Copyright (c) 2019-2022, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package e2e

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/shardmesh/shardmesh/internal/telemetry"
)

var _ = Describe("Telemetry history", func() {
	It("caps history at the configured depth and keeps the latest sample", func() {
		ring := telemetry.NewRing(10)
		for i := 1; i <= 1000; i++ {
			ring.Append(telemetry.Sample{
				DeviceID:    "A:0",
				Timestamp:   int64(i),
				MemoryTotal: 24 << 30,
				MemoryUsed:  uint64(i),
				UtilPercent: 50,
			})
		}

		Expect(ring.Len()).To(Equal(10))

		latest, ok := ring.Latest()
		Expect(ok).To(BeTrue())
		Expect(latest.MemoryUsed).To(Equal(uint64(1000)))
		Expect(latest.Timestamp).To(Equal(int64(1000)))
	})
})
