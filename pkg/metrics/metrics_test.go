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

package metrics_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/containers/gpumem/pkg/metrics"
)

func TestUnprefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	for _, name := range []string{"test1", "test2"} {
		newTestGauge(t, r, name, metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	}

	g, err := r.NewGatherer(metrics.WithMetrics([]string{"*"}))
	require.NoError(t, err)

	expected := `
# HELP test1 Test gauge test1
# TYPE test1 gauge
test1 0
# HELP test2 Test gauge test2
# TYPE test2 gauge
test2 0
`
	require.NoError(t, testutil.GatherAndCompare(g, strings.NewReader(expected)))
}

func TestPrefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	g1 := newTestGauge(t, r, "test1", metrics.WithGroup("bo"))
	newTestGauge(t, r, "test2", metrics.WithGroup("bo"),
		metrics.WithCollectorOptions(metrics.WithoutNamespace()))

	g, err := r.NewGatherer(
		metrics.WithNamespace("gpumem"),
		metrics.WithMetrics([]string{"bo"}),
	)
	require.NoError(t, err)

	g1.gauge.Set(3)

	expected := `
# HELP gpumem_bo_test1 Test gauge test1
# TYPE gpumem_bo_test1 gauge
gpumem_bo_test1 3
# HELP bo_test2 Test gauge test2
# TYPE bo_test2 gauge
bo_test2 0
`
	require.NoError(t, testutil.GatherAndCompare(g, strings.NewReader(expected)))
}

func TestMetricsConfiguration(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test3", metrics.WithGroup("group2"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test4", metrics.WithGroup("group2"))

	require.Equal(t,
		[]string{"group1/test1", "group1/test2", "group2/test3", "group2/test4"},
		r.Collectors())

	g, err := r.NewGatherer(metrics.WithMetrics([]string{"test1", "group2"}))
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(g)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	count, err = testutil.GatherAndCount(g, "test2")
	require.NoError(t, err)
	require.Equal(t, 0, count)

	count, err = testutil.GatherAndCount(g, "group1_test1", "test3", "group2_test4")
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestUnmatchedGlob(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1")

	_, err := r.NewGatherer(metrics.WithMetrics([]string{"test1", "nosuch*"}))
	require.Error(t, err)
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1")

	err := r.Register("test1", prometheus.NewGauge(prometheus.GaugeOpts{Name: "other", Help: "x"}))
	require.Error(t, err)
}

func TestCollectorMatches(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "device", metrics.WithGroup("bo"))

	type testCase struct {
		glob  string
		match bool
	}
	for _, tc := range []*testCase{
		{glob: "bo", match: true},
		{glob: "device", match: true},
		{glob: "bo/device", match: true},
		{glob: "b*", match: true},
		{glob: "bo/*", match: true},
		{glob: "pool", match: false},
		{glob: "[", match: false},
	} {
		t.Run(tc.glob, func(t *testing.T) {
			_, err := r.Select([]string{tc.glob})
			if tc.match {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestIndependentGatherers(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "device", metrics.WithGroup("bo"))
	newTestGauge(t, r, "golang", metrics.WithGroup("standard"),
		metrics.WithCollectorOptions(metrics.WithoutNamespace(), metrics.WithoutSubsystem()))

	selected, err := r.Select([]string{"bo", "standard"})
	require.NoError(t, err)
	require.Len(t, selected, 2)
	require.Equal(t, "bo/device", selected[0].Name())
	require.Equal(t, metrics.NamespacePrefix|metrics.SubsystemPrefix, selected[0].Prefix())
	require.Equal(t, "none", selected[1].Prefix().String())

	g1, err := r.NewGatherer(metrics.WithNamespace("gpumem"), metrics.WithMetrics([]string{"bo"}))
	require.NoError(t, err)
	g2, err := r.NewGatherer(metrics.WithNamespace("other"), metrics.WithMetrics([]string{"*"}))
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(g1, "gpumem_bo_device", "golang")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(g2, "other_bo_device", "golang")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

type testGauge struct {
	name  string
	gauge prometheus.Gauge
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testGauge {
	g := &testGauge{
		name: name,
	}
	g.gauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: name,
			Help: "Test gauge " + name,
		},
	)

	require.NoError(t, r.Register(g.name, g.gauge, options...))

	return g
}
