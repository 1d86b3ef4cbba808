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
	"bytes"
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/shardmesh/shardmesh/internal/backend"
	"github.com/shardmesh/shardmesh/internal/backend/cpu"
)

var _ = Describe("Memory handle lifecycle", func() {
	It("round-trips a copy and rejects operations after deallocation", func() {
		ctx := context.Background()
		b := cpu.New()
		devices, err := b.Initialize(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(devices).NotTo(BeEmpty())
		deviceID := devices[0].ID

		handle, err := b.Allocate(ctx, deviceID, 1<<20)
		Expect(err).NotTo(HaveOccurred())

		pattern := bytes.Repeat([]byte{0xAB}, 1<<20)
		Expect(b.CopyHostToDevice(ctx, pattern, handle, 0)).To(Succeed())

		readBack, err := b.CopyDeviceToHost(ctx, handle, 0, 1<<20)
		Expect(err).NotTo(HaveOccurred())
		Expect(readBack).To(Equal(pattern))

		Expect(b.Deallocate(ctx, handle)).To(Succeed())

		_, err = b.CopyDeviceToHost(ctx, handle, 0, 1<<20)
		Expect(err).To(MatchError(backend.ErrInvalidHandle))
	})
})
