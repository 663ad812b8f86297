// Package config loads Pool and WorkerHandler options from YAML documents.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	workerpool "github.com/swind/workerpool-engine"
	"github.com/swind/workerpool-engine/core"
)

// handlerDoc mirrors core.HandlerOptions with YAML-friendly field types:
// durations are strings parsed with time.ParseDuration rather than
// nanosecond integers.
type handlerDoc struct {
	WorkerType            string   `yaml:"workerType"`
	ProcessArgs           []string `yaml:"forkArgs"`
	ProcessEnv            []string `yaml:"forkOpts"`
	GoroutineBuffer       int      `yaml:"workerThreadBuffer"`
	NetworkURL            string   `yaml:"networkURL"`
	DebugPort             int      `yaml:"debugPort"`
	Concurrency           int      `yaml:"concurrency"`
	MaxExec               int      `yaml:"maxExec"`
	MarkNotReadyAfterExec bool     `yaml:"markNotReadyAfterExec"`
	ReadyTimeout          string   `yaml:"readyTimeoutDuration"`
	InitReadyTimeout      string   `yaml:"initReadyTimeoutDuration"`
}

func (d handlerDoc) toOptions() (core.HandlerOptions, error) {
	opts := core.HandlerOptions{
		WorkerType:            d.WorkerType,
		ProcessArgs:           d.ProcessArgs,
		ProcessEnv:            d.ProcessEnv,
		GoroutineBuffer:       d.GoroutineBuffer,
		NetworkURL:            d.NetworkURL,
		DebugPort:             d.DebugPort,
		Concurrency:           d.Concurrency,
		MaxExec:               d.MaxExec,
		MarkNotReadyAfterExec: d.MarkNotReadyAfterExec,
	}

	var err error
	if opts.ReadyTimeout, err = parseDuration(d.ReadyTimeout); err != nil {
		return opts, fmt.Errorf("readyTimeoutDuration: %w", err)
	}
	if opts.InitReadyTimeout, err = parseDuration(d.InitReadyTimeout); err != nil {
		return opts, fmt.Errorf("initReadyTimeoutDuration: %w", err)
	}
	return opts, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// poolDoc is the YAML shape LoadPoolOptions reads: a handlerDoc embedded
// alongside the pool-sizing fields.
type poolDoc struct {
	handlerDoc `yaml:",inline"`

	MinWorkers   int `yaml:"minWorkers"`
	MaxWorkers   int `yaml:"maxWorkers"`
	MaxQueueSize int `yaml:"maxQueueSize"`
}

// LoadHandlerOptions reads a YAML document at path into a core.HandlerOptions.
// Callbacks (OnWorkerReady, OnWorkerExit) and non-serializable fields
// (GoroutineWorker, NetworkDialer, Logger, Metrics) are never populated from
// YAML; set them on the returned value before use if needed.
func LoadHandlerOptions(path string) (core.HandlerOptions, error) {
	var doc handlerDoc
	if err := loadYAML(path, &doc); err != nil {
		return core.HandlerOptions{}, err
	}
	return doc.toOptions()
}

// LoadPoolOptions reads a YAML document at path into a workerpool.PoolOptions.
func LoadPoolOptions(path string) (workerpool.PoolOptions, error) {
	var doc poolDoc
	if err := loadYAML(path, &doc); err != nil {
		return workerpool.PoolOptions{}, err
	}

	handlerOpts, err := doc.handlerDoc.toOptions()
	if err != nil {
		return workerpool.PoolOptions{}, err
	}

	return workerpool.PoolOptions{
		HandlerOptions: handlerOpts,
		MinWorkers:     doc.MinWorkers,
		MaxWorkers:     doc.MaxWorkers,
		MaxQueueSize:   doc.MaxQueueSize,
	}, nil
}

func loadYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
