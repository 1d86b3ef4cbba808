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

	"github.com/shardmesh/shardmesh/internal/access"
)

var _ = Describe("Access control", func() {
	It("denies an allocate request outside the granted operation set and audits the denial", func() {
		audit := access.NewAudit(access.NoneSink{}, 16)
		guard := access.NewGuard(audit)
		token := access.NewCapabilityToken("P1") // no OpAllocate granted

		err := guard.CheckAllocate(token, "cuda:0", 1<<20)
		Expect(err).To(HaveOccurred())

		records := audit.ByPrincipal("P1")
		Expect(records).To(HaveLen(1))
		Expect(records[0].Operation).To(Equal(access.OpAllocate))
		Expect(records[0].Allowed).To(BeFalse())
	})
})
