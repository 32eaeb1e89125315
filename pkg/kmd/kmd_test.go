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

package kmd_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/gpumem/pkg/kmd"
)

func TestFlagsString(t *testing.T) {
	require.Equal(t, "none", kmd.Flags(0).String())
	require.Equal(t, "executable", kmd.Executable.String())
	require.Equal(t, "growable|nommap", (kmd.Growable | kmd.NoMmap).String())
	require.Equal(t, "shareable|0x100", (kmd.Shareable | kmd.Flags(0x100)).String())
}

func TestHandleString(t *testing.T) {
	require.Equal(t, "#42", kmd.Handle(42).String())
}
