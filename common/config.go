// Copyright 2021-2022 The streamrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"os"
	"strconv"

	"github.com/spf13/viper"
)

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Websocket connections are hijacked, so this does not bound them.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Relay Core Related Config

// RelayConfig defines the parameters of the stream relay core
type RelayConfig struct {
	// TrackingTerm is the filter criterion used when opening the upstream subscription
	TrackingTerm string `mapstructure:"tracking_term" json:"tracking_term" validate:"required"`
	// EventLoopBuffer is the number of pending events the relay event loop will queue
	EventLoopBuffer int `mapstructure:"event_loop_buffer" json:"event_loop_buffer" validate:"gte=1"`
	// OpenTimeout is the max duration for opening the upstream subscription in seconds
	OpenTimeout int `mapstructure:"open_timeout_sec" json:"open_timeout_sec" validate:"gte=1"`
}

// WebsocketConfig defines the client websocket transport parameters
type WebsocketConfig struct {
	// Path is the end-point path clients connect to
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// SendBuffer is the number of outbound messages queued per client before
	// further messages to that client are dropped
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
	// PingInterval is the interval between keepalive pings in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// WriteTimeout is the max duration for writing one message to a client in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// MaxMessageBytes is the max size of a message a client may send
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=64"`
}

// StaticAssetConfig defines the static asset server parameters
type StaticAssetConfig struct {
	// PublicDir is the directory the static assets are served from
	PublicDir string `mapstructure:"public_dir" json:"public_dir" validate:"required"`
	// IndexFile is the file, relative to PublicDir, served for "/"
	IndexFile string `mapstructure:"index_file" json:"index_file" validate:"required"`
	// CacheEntries is the max number of files kept in the content cache
	CacheEntries int `mapstructure:"cache_entries" json:"cache_entries" validate:"gte=1"`
}

// ===============================================================================
// Upstream Related Config

// TwitterConfig defines parameters for connecting to the Twitter streaming API
type TwitterConfig struct {
	// StreamURL is the filtered status stream end-point
	StreamURL string `mapstructure:"stream_url" json:"stream_url" validate:"required,url"`
	// ConsumerKey is the application consumer key
	ConsumerKey string `mapstructure:"consumer_key" json:"-"`
	// ConsumerSecret is the application consumer secret
	ConsumerSecret string `mapstructure:"consumer_secret" json:"-"`
	// AccessToken is the user access token
	AccessToken string `mapstructure:"access_token" json:"-"`
	// AccessTokenSecret is the user access token secret
	AccessTokenSecret string `mapstructure:"access_token_secret" json:"-"`
}

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// SubjectPrefix is prepended to the tracking term to form the subscribe subject
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// UpstreamConfig defines which upstream feed is used, and its parameters
type UpstreamConfig struct {
	// Source selects the upstream feed
	Source string `mapstructure:"source" json:"source" validate:"required,oneof=twitter nats"`
	// Twitter are the Twitter streaming API parameters
	Twitter TwitterConfig `mapstructure:"twitter" json:"twitter" validate:"required"`
	// NATS are the NATS feed parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
}

// ===============================================================================
// Metrics Related Config

// MetricsConfig defines the Prometheus metrics end-point parameters
type MetricsConfig struct {
	// Enabled whether to expose metrics
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Path is the metrics end-point path
	Path string `mapstructure:"path" json:"path" validate:"required_if=Enabled true"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the relay server
type SystemConfig struct {
	// HTTP are the HTTP server config parameters
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// Relay are the relay core config parameters
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
	// Websocket are the client transport parameters
	Websocket WebsocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
	// Static are the static asset server parameters
	Static StaticAssetConfig `mapstructure:"static" json:"static" validate:"required,dive"`
	// Upstream are the upstream feed parameters
	Upstream UpstreamConfig `mapstructure:"upstream" json:"upstream" validate:"required"`
	// Metrics are the metrics end-point parameters
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
}

// ===============================================================================

// defaultListenPort the port the relay listens on when neither the config nor PORT sets one
const defaultListenPort = 2000

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default HTTP server settings
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", listenPortFromEnv())
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 60)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Streamrelay-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default relay core settings
	viper.SetDefault("relay.tracking_term", "kanye")
	viper.SetDefault("relay.event_loop_buffer", 256)
	viper.SetDefault("relay.open_timeout_sec", 30)

	// Default websocket settings
	viper.SetDefault("websocket.path", "/ws")
	viper.SetDefault("websocket.send_buffer", 64)
	viper.SetDefault("websocket.ping_interval_sec", 30)
	viper.SetDefault("websocket.write_timeout_sec", 10)
	viper.SetDefault("websocket.max_message_bytes", 4096)

	// Default static asset settings
	viper.SetDefault("static.public_dir", "public")
	viper.SetDefault("static.index_file", "index.html")
	viper.SetDefault("static.cache_entries", 128)

	// Default upstream settings
	viper.SetDefault("upstream.source", "twitter")
	viper.SetDefault(
		"upstream.twitter.stream_url", "https://stream.twitter.com/1.1/statuses/filter.json",
	)
	viper.SetDefault("upstream.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("upstream.nats.connect_timeout_sec", 30)
	viper.SetDefault("upstream.nats.reconnect.max_attempts", -1)
	viper.SetDefault("upstream.nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("upstream.nats.subject_prefix", "statuses")

	// Default metrics settings
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Credentials are only ever read from the environment or the config file
	_ = viper.BindEnv("upstream.twitter.consumer_key", "TWITTER_CONSUMER_KEY")
	_ = viper.BindEnv("upstream.twitter.consumer_secret", "TWITTER_CONSUMER_SECRET")
	_ = viper.BindEnv("upstream.twitter.access_token", "TWITTER_ACCESS_TOKEN")
	_ = viper.BindEnv("upstream.twitter.access_token_secret", "TWITTER_ACCESS_TOKEN_SECRET")
}

// listenPortFromEnv read the listen port from PORT, falling back to defaultListenPort
func listenPortFromEnv() int {
	if raw, ok := os.LookupEnv("PORT"); ok {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 && port < 65536 {
			return port
		}
	}
	return defaultListenPort
}
