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

package v1alpha1

import (
	"fmt"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/containers/gpumem/pkg/apis/config/v1alpha1/log"
)

const (
	// DefaultIdleTimeout is how long an object may sit unused in the BO cache.
	DefaultIdleTimeout = time.Second
	// DefaultMinBucketShift is log2 of the smallest BO cache bucket size.
	DefaultMinBucketShift = 12
	// DefaultMaxBucketShift is log2 of the largest BO cache bucket size.
	DefaultMaxBucketShift = 22
	// DefaultSlabSize is the default arena pool backing size.
	DefaultSlabSize = 64 * 1024

	// smallest and largest accepted bucket shifts
	minShift = 12
	maxShift = 40
)

// Config is the configuration of a GPU memory device.
// +k8s:deepcopy-gen=true
type Config struct {
	// Device configures device-wide parameters.
	// +optional
	Device Device `json:"device,omitempty"`
	// Cache configures the buffer object cache.
	// +optional
	Cache Cache `json:"cache,omitempty"`
	// Pool configures defaults for arena pools.
	// +optional
	Pool Pool `json:"pool,omitempty"`
	// Log configures logging.
	// +optional
	Log log.Config `json:"log,omitempty"`
	// Metrics configures metrics collection.
	// +optional
	Metrics Metrics `json:"metrics,omitempty"`
}

// Device configures device-wide parameters.
type Device struct {
	// PageSize overrides the page size used for rounding object sizes.
	// It defaults to the system page size.
	// +optional
	// +kubebuilder:example="4Ki"
	PageSize *resource.Quantity `json:"pageSize,omitempty"`
}

// Cache configures the buffer object cache.
type Cache struct {
	// Disable turns off caching of released buffer objects.
	// +optional
	Disable bool `json:"disable,omitempty"`
	// IdleTimeout is the time after which unused cached objects are
	// returned to the kernel.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="1s"
	IdleTimeout *metav1.Duration `json:"idleTimeout,omitempty"`
	// MinBucketShift is log2 of the smallest cache bucket.
	// +optional
	MinBucketShift int `json:"minBucketShift,omitempty"`
	// MaxBucketShift is log2 of the largest cache bucket. Larger objects
	// all share this bucket.
	// +optional
	MaxBucketShift int `json:"maxBucketShift,omitempty"`
}

// Pool configures defaults for arena pools.
type Pool struct {
	// SlabSize is the standard backing object size of pools.
	// +optional
	// +kubebuilder:example="64Ki"
	SlabSize *resource.Quantity `json:"slabSize,omitempty"`
	// DebugOverflow gives every allocation a dedicated backing object
	// followed by an inaccessible guard page.
	// +optional
	DebugOverflow bool `json:"debugOverflow,omitempty"`
}

// Metrics configures metrics collection.
type Metrics struct {
	// Enabled lists globs of enabled metrics groups or collectors.
	// +optional
	// +kubebuilder:default={"bo"}
	Enabled []string `json:"enabled,omitempty"`
	// Namespace is the common prefix of all exported metrics.
	// +optional
	Namespace string `json:"namespace,omitempty"`
}

// ParseConfig parses the given YAML or JSON data into a Config.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, configError("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and parses configuration from the given file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configError("failed to read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Device.PageSize != nil {
		size := c.Device.PageSize.Value()
		if size <= 0 || size&(size-1) != 0 {
			return configError("invalid page size %s, must be a power of two",
				c.Device.PageSize.String())
		}
	}

	minShift, maxShift := c.Cache.GetBucketShifts()
	if minShift > maxShift {
		return configError("invalid cache buckets, min shift %d > max shift %d",
			minShift, maxShift)
	}
	if c.Cache.IdleTimeout != nil && c.Cache.IdleTimeout.Duration < 0 {
		return configError("invalid negative cache idle timeout %s", c.Cache.IdleTimeout.Duration)
	}

	if c.Pool.SlabSize != nil && c.Pool.SlabSize.Value() <= 0 {
		return configError("invalid pool slab size %s", c.Pool.SlabSize.String())
	}

	return nil
}

// GetPageSize returns the configured page size, or 0 if none was given.
func (d *Device) GetPageSize() uint64 {
	if d == nil || d.PageSize == nil {
		return 0
	}
	return uint64(d.PageSize.Value())
}

// GetIdleTimeout returns the configured or default cache idle timeout.
func (c *Cache) GetIdleTimeout() time.Duration {
	if c == nil || c.IdleTimeout == nil {
		return DefaultIdleTimeout
	}
	return c.IdleTimeout.Duration
}

// GetBucketShifts returns the configured or default cache bucket limits,
// clamped into the supported range.
func (c *Cache) GetBucketShifts() (int, int) {
	lo, hi := DefaultMinBucketShift, DefaultMaxBucketShift
	if c != nil {
		if c.MinBucketShift != 0 {
			lo = c.MinBucketShift
		}
		if c.MaxBucketShift != 0 {
			hi = c.MaxBucketShift
		}
	}
	return clamp(lo, minShift, maxShift), clamp(hi, minShift, maxShift)
}

// GetSlabSize returns the configured or default pool slab size.
func (p *Pool) GetSlabSize() uint64 {
	if p == nil || p.SlabSize == nil {
		return DefaultSlabSize
	}
	return uint64(p.SlabSize.Value())
}

// GetEnabled returns the enabled metrics globs, defaulting to the BO group.
func (m *Metrics) GetEnabled() []string {
	if m == nil || len(m.Enabled) == 0 {
		return []string{"bo"}
	}
	return m.Enabled
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("config: "+format, args...)
}
