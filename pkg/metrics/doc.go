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

// Package metrics provides a thin layer of named collector groups on top
// of prometheus. It enforces metrics namespacing, lets collectors be
// grouped, and lets groups or single collectors be enabled by glob.
//
// Simple Usage
//
//	r := metrics.NewRegistry()
//	r.Register("device", bo.NewCollector(dev), metrics.WithGroup("bo"))
//	collectors.Register(r)
//
//	g, err := r.NewGatherer(
//	    metrics.WithNamespace("gpumem"),
//	    metrics.WithMetrics([]string{"bo", "standard"}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
