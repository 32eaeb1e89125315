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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/gpumem/pkg/apis/config/v1alpha1/log"
)

func TestSrcmapParse(t *testing.T) {
	for _, tc := range []struct {
		name    string
		spec    string
		result  srcmap
		invalid bool
	}{
		{
			name:   "empty",
			spec:   "",
			result: srcmap{},
		},
		{
			name:   "implicit on",
			spec:   "bo,pool",
			result: srcmap{"bo": true, "pool": true},
		},
		{
			name:   "state carries over",
			spec:   "on:bo,pool,off:bo-details,kmd",
			result: srcmap{"bo": true, "pool": true, "bo-details": false, "kmd": false},
		},
		{
			name:   "all",
			spec:   "all",
			result: srcmap{"*": true},
		},
		{
			name:    "bad state",
			spec:    "maybe:bo",
			invalid: true,
		},
		{
			name:    "bad entry",
			spec:    "on:bo:pool",
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := make(srcmap)
			err := m.parse(tc.spec)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.result, m)
		})
	}
}

func TestSrcmapString(t *testing.T) {
	m := srcmap{"pool": true, "bo": true, "kmd": false}
	require.Equal(t, "on:bo,pool,off:kmd", m.String())

	parsed := make(srcmap)
	require.NoError(t, parsed.parse(m.String()))
	require.Equal(t, m, parsed)
}

func TestDebugEnable(t *testing.T) {
	l := Get("log-test")
	require.Equal(t, "log-test", l.Source())
	require.False(t, l.DebugEnabled())

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"on:log-test"}}))
	require.True(t, l.DebugEnabled())

	old := l.EnableDebug(false)
	require.True(t, old)
	require.False(t, l.DebugEnabled())

	l.EnableDebug(true)
	require.NoError(t, Configure(&cfgapi.Config{}))
	require.True(t, l.DebugEnabled(), "forced state overrides configuration")
}

func TestParseLevel(t *testing.T) {
	type testCase struct {
		name    string
		level   Level
		invalid bool
	}
	for _, tc := range []*testCase{
		{name: "", level: DefaultLevel},
		{name: "debug", level: LevelDebug},
		{name: "Info", level: LevelInfo},
		{name: "warning", level: LevelWarn},
		{name: " error ", level: LevelError},
		{name: "loud", invalid: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			level, err := ParseLevel(tc.name)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.level, level)
		})
	}
}

func TestConfigureLevel(t *testing.T) {
	defer Configure(&cfgapi.Config{})

	require.NoError(t, Configure(&cfgapi.Config{Level: "error"}))
	require.False(t, log.passes(LevelWarn))
	require.True(t, log.passes(LevelError))

	require.Error(t, Configure(&cfgapi.Config{Level: "loud"}))
	require.NoError(t, Configure(&cfgapi.Config{}))
	require.True(t, log.passes(LevelInfo))
}

func TestAsYaml(t *testing.T) {
	require.Equal(t, "a: 1\nb: two", AsYaml(map[string]interface{}{"a": 1, "b": "two"}))
}
