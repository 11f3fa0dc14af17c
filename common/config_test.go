package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()
	viper.Reset()
	defer viper.Reset()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("kanye", cfg.Relay.TrackingTerm)
		assert.Equal("twitter", cfg.Upstream.Source)
		assert.Equal("public", cfg.Static.PublicDir)
		assert.Equal("index.html", cfg.Static.IndexFile)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
http:
  server_config:
    listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
http:
  server_config:
    write_timeout_sec: -10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: unknown upstream source
	{
		config := []byte(`---
upstream:
  source: carrier-pigeon`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: switch to NATS upstream with a custom tracking term
	{
		config := []byte(`---
relay:
  tracking_term: golang
upstream:
  source: nats
  nats:
    subject_prefix: tweets`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("golang", cfg.Relay.TrackingTerm)
		assert.Equal("nats", cfg.Upstream.Source)
		assert.Equal("tweets", cfg.Upstream.NATS.SubjectPrefix)
		assert.Equal("nats://127.0.0.1:4222", cfg.Upstream.NATS.ServerURI)
	}
}

func TestListenPortFromEnv(t *testing.T) {
	assert := assert.New(t)

	// Case 0: PORT set
	t.Setenv("PORT", "8123")
	assert.Equal(8123, listenPortFromEnv())

	// Case 1: PORT not a number
	t.Setenv("PORT", "not-a-port")
	assert.Equal(defaultListenPort, listenPortFromEnv())

	// Case 2: PORT out of range
	t.Setenv("PORT", "70000")
	assert.Equal(defaultListenPort, listenPortFromEnv())
}
