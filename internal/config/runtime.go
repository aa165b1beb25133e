package config

import "time"

// RuntimeConfig holds the knobs the supervisor reads on every tick
// (rotation, retry, sample size, connect timeout) plus the bandwidth
// settings. It is held behind an atomic.Pointer by the caller and swapped
// wholesale, never mutated in place; cmd/dvpnd swaps it after each
// bandwidth measurement.
type RuntimeConfig struct {
	// Rotation
	EndpointRotateInterval Duration `json:"endpoint_rotate_interval" yaml:"endpoint_rotate_interval"`
	EndpointRotateJitter   Duration `json:"endpoint_rotate_jitter" yaml:"endpoint_rotate_jitter"`

	// Retry / backoff
	RetryInterval Duration `json:"retry_interval" yaml:"retry_interval"`

	// Selection
	MeshSampleSize int `json:"mesh_sample_size" yaml:"mesh_sample_size"`

	// Connection
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// Bandwidth
	BandwidthTotalMbps     float64  `json:"bandwidth_total_mbps" yaml:"bandwidth_total_mbps"`
	BandwidthFraction      float64  `json:"bandwidth_fraction" yaml:"bandwidth_fraction"`
	BandwidthTestURL       string   `json:"bandwidth_test_url" yaml:"bandwidth_test_url"`
	BandwidthSampleWindow  Duration `json:"bandwidth_sample_window" yaml:"bandwidth_sample_window"`

	// Validation escape hatch
	AllowPrivateEndpoints bool `json:"allow_private_endpoints" yaml:"allow_private_endpoints"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with the same
// defaults LoadEnvConfig applies.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		EndpointRotateInterval: Duration(1800 * time.Second),
		EndpointRotateJitter:   Duration(300 * time.Second),

		RetryInterval: Duration(5 * time.Second),

		MeshSampleSize: 3,

		ConnectTimeout: Duration(10 * time.Second),

		BandwidthTotalMbps:    0,
		BandwidthFraction:     0.5,
		BandwidthTestURL:      "https://speed.dvpn.example/100mb.bin",
		BandwidthSampleWindow: Duration(4 * time.Second),

		AllowPrivateEndpoints: false,
	}
}

// FromEnv builds a RuntimeConfig from a validated EnvConfig.
func FromEnv(env *EnvConfig) *RuntimeConfig {
	return &RuntimeConfig{
		EndpointRotateInterval: Duration(time.Duration(env.EndpointRotateSeconds) * time.Second),
		EndpointRotateJitter:   Duration(time.Duration(env.EndpointRotateJitterSeconds) * time.Second),
		RetryInterval:          Duration(time.Duration(env.RetrySeconds) * time.Second),
		MeshSampleSize:         env.MeshSampleSize,
		ConnectTimeout:         Duration(time.Duration(env.ConnectTimeoutSeconds) * time.Second),
		BandwidthTotalMbps:     env.BandwidthTotalMbps,
		BandwidthFraction:      0.5,
		BandwidthTestURL:       env.BandwidthTestURL,
		BandwidthSampleWindow:  Duration(time.Duration(env.BandwidthSampleSeconds) * time.Second),
		AllowPrivateEndpoints:  env.AllowPrivateEndpoints,
	}
}
