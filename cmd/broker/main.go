// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// The broker terminates beamline acquisition requests and turns them
// into write requests for the writer fleet.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sf-daq/databuffer-broker/pkg/audit"
	"github.com/sf-daq/databuffer-broker/pkg/broker"
	"github.com/sf-daq/databuffer-broker/pkg/broker/api"
	"github.com/sf-daq/databuffer-broker/pkg/config"
	"github.com/sf-daq/databuffer-broker/pkg/roster"
	"github.com/sf-daq/databuffer-broker/pkg/sender"
	"github.com/sf-daq/databuffer-broker/pkg/util/log"
)

var (
	configFile string
	logLevel   string
	logFile    string
)

func main() {
	cmd := &cobra.Command{
		Use:          "daq-broker",
		Short:        "Acquisition broker for the data buffer writer fleet",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to the YAML config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "minimum log level")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log file location, console only when empty")

	// Frequently overridden settings double as flags; everything else
	// comes from the config file or the environment.
	cmd.Flags().Int("rest-port", 10002, "REST interface port")
	cmd.Flags().String("channels-file", "channels.txt", "channel list location")
	cmd.Flags().String("output-address", "nats://127.0.0.1:4222", "write request stream server")
	cmd.Flags().Int("queue-length", 100, "outbound queue depth")
	cmd.Flags().Duration("send-timeout", time.Second, "how long to block on a full queue")
	cmd.Flags().String("audit-log", "audit_trail.log", "audit trail location")
	cmd.Flags().Bool("audit-trail-only", false, "audit requests without sending them")
	cmd.Flags().String("epics-writer-url", "", "epics writer endpoint, disabled when empty")

	for key, flag := range map[string]string{
		"broker.rest_port":        "rest-port",
		"broker.channels_file":    "channels-file",
		"broker.output_address":   "output-address",
		"broker.queue_length":     "queue-length",
		"broker.send_timeout":     "send-timeout",
		"broker.audit_log":        "audit-log",
		"broker.audit_trail_only": "audit-trail-only",
		"broker.epics_writer_url": "epics-writer-url",
	} {
		if err := config.Daq.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadFile(configFile); err != nil {
		return fmt.Errorf("cannot load the config file: %w", err)
	}
	if err := log.Setup(logLevel, logFile); err != nil {
		return fmt.Errorf("cannot set up logging: %w", err)
	}
	defer log.Flush()

	cfg := config.Daq

	channels, err := roster.New(
		cfg.GetString("broker.channels_file"),
		cfg.GetInt("broker.channels_limit"),
		cfg.GetInt("broker.channels_limit_picture"))
	if err != nil {
		return fmt.Errorf("cannot load the channel list: %w", err)
	}

	requestSender, err := sender.New(sender.Options{
		OutputAddress:  cfg.GetString("broker.output_address"),
		Subject:        cfg.GetString("broker.output_subject"),
		QueueLength:    cfg.GetInt("broker.queue_length"),
		SendTimeout:    cfg.GetDuration("broker.send_timeout"),
		EpicsWriterURL: cfg.GetString("broker.epics_writer_url"),
		RequestTimeout: cfg.GetDuration("facility.request_timeout"),
		AuditTrailOnly: cfg.GetBool("broker.audit_trail_only"),
	})
	if err != nil {
		return fmt.Errorf("cannot start the request sender: %w", err)
	}
	defer requestSender.Close()

	manager := broker.NewManager(broker.Options{
		FacilityRoot:    cfg.GetString("facility.root"),
		ProcessName:     cfg.GetString("broker.process_name"),
		SplitImages:     cfg.GetBool("broker.split_image_channels"),
		GroupImages:     cfg.GetBool("broker.group_image_channels"),
		DetectorCommand: cfg.GetString("broker.detector_retrieve_command"),
		RetrievalURL:    cfg.GetString("writer.data_api_url"),
	}, channels, requestSender, audit.NewTrail(cfg.GetString("broker.audit_log")))

	addr := fmt.Sprintf(":%d", cfg.GetInt("broker.rest_port"))
	return api.NewServer(manager).ListenAndServe(addr)
}
