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

package utils

import (
	"fmt"
	"strings"
)

// ParseEnabled parses an on/off style boolean setting.
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "enable", "enabled", "true", "yes", "1":
		return true, nil
	case "off", "disable", "disabled", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid enabled/disabled value %q", value)
}

// RoundUp rounds size up to the nearest multiple of align, which must be
// a power of two.
func RoundUp(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}

// RoundDown rounds size down to the nearest multiple of align, which must
// be a power of two.
func RoundDown(size, align uint64) uint64 {
	return size &^ (align - 1)
}

// IsPowerOf2 returns true if v is a non-zero power of two.
func IsPowerOf2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// PrettySize formats a byte count using binary unit suffixes.
func PrettySize(size uint64) string {
	const (
		k = uint64(1) << 10
		m = uint64(1) << 20
		g = uint64(1) << 30
	)
	switch {
	case size >= g && size%g == 0:
		return fmt.Sprintf("%dG", size/g)
	case size >= m && size%m == 0:
		return fmt.Sprintf("%dM", size/m)
	case size >= k && size%k == 0:
		return fmt.Sprintf("%dk", size/k)
	case size >= g:
		return fmt.Sprintf("%.2fG", float64(size)/float64(g))
	case size >= m:
		return fmt.Sprintf("%.2fM", float64(size)/float64(m))
	case size >= k:
		return fmt.Sprintf("%.2fk", float64(size)/float64(k))
	}
	return fmt.Sprintf("%d", size)
}
