// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package config holds the global configuration of the broker and the
// writer. Values come from defaults, an optional YAML file and the
// environment (SF_DAQ_ prefix), in increasing order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Daq is the global configuration object.
var Daq *viper.Viper

func init() {
	Daq = viper.New()
	Daq.SetEnvPrefix("SF_DAQ")
	Daq.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Daq.AutomaticEnv()
	initConfig(Daq)
}

func initConfig(config *viper.Viper) {
	// Broker
	config.SetDefault("broker.rest_port", 10002)
	config.SetDefault("broker.output_address", "nats://127.0.0.1:4222")
	config.SetDefault("broker.output_subject", "daq.write_request")
	config.SetDefault("broker.queue_length", 100)
	config.SetDefault("broker.send_timeout", time.Second)
	config.SetDefault("broker.audit_log", "audit_trail.log")
	config.SetDefault("broker.audit_trail_only", false)
	config.SetDefault("broker.epics_writer_url", "")
	config.SetDefault("broker.channels_file", "channels.txt")
	config.SetDefault("broker.channels_limit", 1000)
	config.SetDefault("broker.channels_limit_picture", 10)
	config.SetDefault("broker.split_image_channels", true)
	config.SetDefault("broker.group_image_channels", true)
	config.SetDefault("broker.process_name", "sf_databuffer_writer")
	config.SetDefault("broker.detector_retrieve_command", "detector_retrieve")

	// Writer
	config.SetDefault("writer.input_address", "nats://127.0.0.1:4222")
	config.SetDefault("writer.input_subject", "daq.write_request")
	config.SetDefault("writer.data_api_url", "http://localhost:8080/api/v1/query")
	config.SetDefault("writer.retrieval_delay", 60*time.Second)
	config.SetDefault("writer.receive_timeout", time.Second)
	config.SetDefault("writer.layout", "extended")
	config.SetDefault("writer.error_if_no_data", false)
	config.SetDefault("writer.user_id", -1)

	// Facility
	config.SetDefault("facility.root", "/sf")
	config.SetDefault("facility.utc_offset", "+02:00")
	config.SetDefault("facility.request_timeout", 10*time.Second)
}

// LoadFile merges an optional YAML config file into the global config.
func LoadFile(path string) error {
	if path == "" {
		return nil
	}
	Daq.SetConfigFile(path)
	return Daq.MergeInConfig()
}
