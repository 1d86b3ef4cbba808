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

package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleTablePutGetRemove(t *testing.T) {
	tbl := NewHandleTable()

	h := tbl.Put("cuda:0", 4096, []byte("payload"))
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, "cuda:0", h.DeviceID)
	assert.EqualValues(t, 4096, h.Size)

	vendor, ok := tbl.Get(h)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), vendor)

	assert.Equal(t, 1, tbl.Count())
	assert.EqualValues(t, 4096, tbl.SumSize("cuda:0"))
	assert.EqualValues(t, 0, tbl.SumSize("cuda:1"))

	require.True(t, tbl.Remove(h))
	_, ok = tbl.Get(h)
	assert.False(t, ok, "handle must be gone after remove")

	assert.False(t, tbl.Remove(h), "double free must report false")
}

func TestHandleTableGetRejectsForgedHandle(t *testing.T) {
	tbl := NewHandleTable()
	h := tbl.Put("cuda:0", 1024, nil)

	forged := h
	forged.DeviceID = "cuda:1"
	_, ok := tbl.Get(forged)
	assert.False(t, ok, "handle with mismatched device id must not resolve")

	forged = h
	forged.Size = 2048
	_, ok = tbl.Get(forged)
	assert.False(t, ok, "handle with mismatched size must not resolve")
}

func TestHandleTableDrain(t *testing.T) {
	tbl := NewHandleTable()
	h1 := tbl.Put("cuda:0", 1024, nil)
	h2 := tbl.Put("cuda:1", 2048, nil)

	drained := tbl.Drain()
	assert.ElementsMatch(t, []string{h1.ID, h2.ID}, []string{drained[0].ID, drained[1].ID})
	assert.Equal(t, 0, tbl.Count())
}

func TestKindOfAndIs(t *testing.T) {
	err := NewDeviceInitFailedError("cuda", "cuda:0", assert.AnError)
	assert.Equal(t, KindDeviceInitFailed, KindOf(err))

	var oomLike error = &Error{Kind: KindOutOfMemory}
	assert.ErrorIs(t, oomLike, ErrOutOfMemory)
	assert.NotErrorIs(t, oomLike, ErrInvalidHandle)
}
