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

package rocm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPropertiesParsesWhitespaceSeparatedPairs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "properties")
	require.NoError(t, os.WriteFile(path, []byte("simd_count 256\nmax_engine_clk_fcompute 1500\nmalformed_line\n"), 0o644))

	props, err := readProperties(path)
	require.NoError(t, err)
	assert.Equal(t, 256, props["simd_count"])
	assert.Equal(t, 1500, props["max_engine_clk_fcompute"])
	assert.NotContains(t, props, "malformed_line")
}

func TestMaxInt(t *testing.T) {
	assert.Equal(t, 4, maxInt(1, 4))
	assert.Equal(t, 8, maxInt(8, 4))
}

func TestProbeMissingTopologyIsNotAnError(t *testing.T) {
	devices, err := probe(context.Background())
	require.NoError(t, err)
	_ = devices // absent on a host with no kfd driver loaded
}
