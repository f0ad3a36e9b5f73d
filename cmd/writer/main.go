// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// The writer consumes write requests and materializes buffered data
// into HDF5 files on the beamline filesystem.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sf-daq/databuffer-broker/pkg/config"
	"github.com/sf-daq/databuffer-broker/pkg/util/log"
	"github.com/sf-daq/databuffer-broker/pkg/writer"
)

var (
	configFile string
	logLevel   string
	logFile    string
	userID     int
)

func main() {
	cmd := &cobra.Command{
		Use:          "daq-writer",
		Short:        "Data buffer writer",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to the YAML config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "minimum log level")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log file location, console only when empty")
	cmd.Flags().IntVar(&userID, "user-id", -1, "run as this uid after startup, -1 keeps the invoking user")

	cmd.Flags().String("input-address", "nats://127.0.0.1:4222", "write request stream server")
	cmd.Flags().String("data-api-url", "http://localhost:8080/api/v1/query", "dispatching layer endpoint")
	cmd.Flags().Duration("retrieval-delay", 60*time.Second, "minimum request age before retrieval")
	cmd.Flags().String("layout", "extended", "file layout, extended or compact")
	cmd.Flags().Bool("error-if-no-data", false, "fail the write when a channel recorded nothing")

	for key, flag := range map[string]string{
		"writer.input_address":    "input-address",
		"writer.data_api_url":     "data-api-url",
		"writer.retrieval_delay":  "retrieval-delay",
		"writer.layout":           "layout",
		"writer.error_if_no_data": "error-if-no-data",
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

// dropPrivileges switches the process to uid so output files land with
// the pgroup ownership.
func dropPrivileges(uid int) error {
	if err := syscall.Setgid(uid); err != nil {
		return fmt.Errorf("setgid %d: %w", uid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	return nil
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

	uid := userID
	if uid < 0 {
		uid = cfg.GetInt("writer.user_id")
	}
	if uid >= 0 {
		if err := dropPrivileges(uid); err != nil {
			return err
		}
		log.Infof("Running as uid %d.", uid)
	}

	layout, err := writer.ParseLayout(cfg.GetString("writer.layout"))
	if err != nil {
		return err
	}

	w, err := writer.New(writer.Options{
		InputAddress:   cfg.GetString("writer.input_address"),
		InputSubject:   cfg.GetString("writer.input_subject"),
		DataAPIURL:     cfg.GetString("writer.data_api_url"),
		RequestTimeout: cfg.GetDuration("facility.request_timeout"),
		RetrievalDelay: cfg.GetDuration("writer.retrieval_delay"),
		ReceiveTimeout: cfg.GetDuration("writer.receive_timeout"),
		Layout:         layout,
		ErrorIfNoData:  cfg.GetBool("writer.error_if_no_data"),
		UTCOffset:      cfg.GetString("facility.utc_offset"),
	})
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Writer stopped.")
	return nil
}
