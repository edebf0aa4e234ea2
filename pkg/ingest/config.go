/*
Copyright 2025 The Sluice Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go4.org/jsonconfig"

	"sluice.dev/pkg/owner"
	"sluice.dev/pkg/profile"
)

// Config is the recognized configuration surface of the engine.
type Config struct {
	OwnerIDMode owner.Mode
	SoftTimeout time.Duration

	DefaultDisk    string
	QuarantineDisk string

	// QuarantinePendingTTLHours overrides every quarantine profile's
	// pending TTL; zero keeps the profile defaults.
	QuarantinePendingTTLHours int

	AVBinary  string
	AVTimeout time.Duration

	YaraBinary       string
	YaraRulesDir     string
	YaraExpectedHash string

	// AvatarSizes overrides the avatar profile's conversion table.
	AvatarSizes []profile.Conversion

	SuspiciousPatterns []string

	RateLimitMaxAttempts int
	RateLimitDecay       time.Duration

	LocalMaxAge       time.Duration
	S3TemporaryURLTTL time.Duration
}

// LoadConfig reads a JSON configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	c, err := ParseConfig(jsonconfig.Obj(m))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// ParseConfig interprets the configuration object. Unknown keys are
// rejected.
func ParseConfig(conf jsonconfig.Obj) (*Config, error) {
	c := &Config{}

	uploads := conf.OptionalObject("uploads")
	modeStr := uploads.OptionalString("owner_id.mode", string(owner.ModeInt))
	softTimeout := uploads.OptionalInt("soft_timeout_seconds", 60)
	if err := uploads.Validate(); err != nil {
		return nil, err
	}
	mode, err := owner.ParseMode(modeStr)
	if err != nil {
		return nil, err
	}
	c.OwnerIDMode = mode
	c.SoftTimeout = time.Duration(softTimeout) * time.Second

	mediaObj := conf.OptionalObject("media")
	c.DefaultDisk = mediaObj.OptionalString("default_disk", "media")
	c.QuarantineDisk = mediaObj.OptionalString("quarantine.disk", "quarantine")
	if err := mediaObj.Validate(); err != nil {
		return nil, err
	}

	pipeline := conf.OptionalObject("image-pipeline")
	c.QuarantinePendingTTLHours = pipeline.OptionalInt("quarantine_pending_ttl_hours", 0)
	c.AVBinary = pipeline.OptionalString("scan.av.binary", "clamscan")
	c.AVTimeout = time.Duration(pipeline.OptionalInt("scan.av.timeout", 30)) * time.Second
	c.YaraBinary = pipeline.OptionalString("scan.yara.binary", "yara")
	c.YaraRulesDir = pipeline.OptionalString("scan.yara.rules_dir", "")
	c.YaraExpectedHash = pipeline.OptionalString("scan.yara.expected_hash", "")
	c.SuspiciousPatterns = pipeline.OptionalList("suspicious_payload_patterns")
	c.RateLimitMaxAttempts = pipeline.OptionalInt("rate_limit.max_attempts", 0)
	c.RateLimitDecay = time.Duration(pipeline.OptionalInt("rate_limit.decay_seconds", 60)) * time.Second
	sizes := pipeline.OptionalObject("avatar_sizes")
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	if c.AvatarSizes, err = parseSizes(sizes); err != nil {
		return nil, err
	}

	serving := conf.OptionalObject("media-serving")
	c.LocalMaxAge = time.Duration(serving.OptionalInt("local_max_age_seconds", 2592000)) * time.Second
	c.S3TemporaryURLTTL = time.Duration(serving.OptionalInt("s3_temporary_url_ttl_seconds", 300)) * time.Second
	if err := serving.Validate(); err != nil {
		return nil, err
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// parseSizes reads {"thumb": [64, 64], ...} into conversions, keeping
// the declaration unordered (map) but names sorted by the caller.
func parseSizes(sizes jsonconfig.Obj) ([]profile.Conversion, error) {
	if len(sizes) == 0 {
		return nil, nil
	}
	out := make([]profile.Conversion, 0, len(sizes))
	for name, v := range sizes {
		dims, ok := v.([]interface{})
		if !ok || len(dims) != 2 {
			return nil, fmt.Errorf("avatar_sizes.%s: want [width, height]", name)
		}
		w, wok := dims[0].(float64)
		h, hok := dims[1].(float64)
		if !wok || !hok || w < 1 || h < 1 {
			return nil, fmt.Errorf("avatar_sizes.%s: want positive [width, height]", name)
		}
		out = append(out, profile.Conversion{Name: name, Width: int(w), Height: int(h)})
	}
	return out, nil
}

// Profiles returns the builtin profiles with this configuration's
// overrides applied.
func (c *Config) Profiles() []*profile.Profile {
	profiles := profile.Builtin()
	for _, p := range profiles {
		if len(c.SuspiciousPatterns) > 0 {
			p.Constraints.SuspiciousPatterns = append([]string(nil), c.SuspiciousPatterns...)
		}
		if p.ID == "avatar_image" && len(c.AvatarSizes) > 0 {
			p.Conversions = append([]profile.Conversion(nil), c.AvatarSizes...)
		}
		if p.UsesQuarantine && c.QuarantinePendingTTLHours > 0 {
			p.QuarantineTTLHours = c.QuarantinePendingTTLHours
		}
	}
	return profiles
}
